package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
)

// Versions is the schema bump applied to one record.
type Versions struct {
	Source int
	Target int
}

// Migrator migrates a single record. Implementations report the versions
// they attempted even when they fail.
type Migrator interface {
	Migrate(ctx context.Context, recordRef string) (Versions, error)
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc func(ctx context.Context, recordRef string) (Versions, error)

func (f MigratorFunc) Migrate(ctx context.Context, recordRef string) (Versions, error) {
	return f(ctx, recordRef)
}

// VersionStampMigrator records the configured version bump without calling
// out anywhere.
type VersionStampMigrator struct {
	Source int
	Target int
}

func (m VersionStampMigrator) Migrate(ctx context.Context, recordRef string) (Versions, error) {
	v := Versions{Source: m.Source, Target: m.Target}
	if err := ctx.Err(); err != nil {
		return v, err
	}
	return v, nil
}

// HTTPMigrator asks a downstream service to migrate each record.
type HTTPMigrator struct {
	Endpoint string
	Source   int
	Target   int
	Timeout  time.Duration
	Client   *http.Client
}

type migrateRequest struct {
	RecordRef     string `json:"record_ref"`
	SourceVersion int    `json:"source_version"`
	TargetVersion int    `json:"target_version"`
}

func (m HTTPMigrator) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (m HTTPMigrator) Migrate(ctx context.Context, recordRef string) (Versions, error) {
	v := Versions{Source: m.Source, Target: m.Target}
	body, err := json.Marshal(migrateRequest{RecordRef: recordRef, SourceVersion: m.Source, TargetVersion: m.Target})
	if err != nil {
		return v, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return v, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client().Do(req)
	if err != nil {
		return v, errors.Wrapf(err, "migrate %s", recordRef)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return v, errors.Newf("migrate %s: status %d: %s", recordRef, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return v, nil
}

// NewMigrator picks the HTTP migrator when an endpoint is configured.
func NewMigrator(cfg config.MigrationConfig) Migrator {
	if strings.TrimSpace(cfg.Endpoint) != "" {
		return HTTPMigrator{
			Endpoint: cfg.Endpoint,
			Source:   cfg.SourceVersion,
			Target:   cfg.TargetVersion,
			Timeout:  cfg.Timeout,
		}
	}
	return VersionStampMigrator{Source: cfg.SourceVersion, Target: cfg.TargetVersion}
}
