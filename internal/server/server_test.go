package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/db"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/engine"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/jobs"
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/migrate"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
	"github.com/dhruvvurhd/program-upgrade-system/internal/rollback"
)

const testSecret = "test-secret"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Runner *jobs.Runner
	Clock  *testClock
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, migrator jobs.Migrator) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Membership.Members = []string{"alice", "bob", "carol", "dave", "erin"}
	cfg.Membership.Threshold = 3
	require.NoError(t, cfg.Validate())

	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	reg, err := membership.FromConfig(cfg, r)
	require.NoError(t, err)
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := engine.New(conn, cfg, reg)
	e.Now = clock.Now
	if migrator == nil {
		migrator = jobs.NewMigrator(cfg.Migration)
	}
	runner := jobs.NewRunner(r, reg, migrator, 0)
	coordinator := rollback.New(e, rollback.NeverPolicy{})

	handler, err := New(Config{
		Engine:   e,
		Runner:   runner,
		Rollback: coordinator,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyPrincipalHeader: true},
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Runner: runner,
		Clock:  clock,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			runner.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func as(principal string) map[string]string {
	return map[string]string{PrincipalHeader: principal}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func requireError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	require.Equal(t, code, env.Error.Code, string(data))
}

func failOn(bad string) jobs.Migrator {
	return jobs.MigratorFunc(func(ctx context.Context, ref string) (jobs.Versions, error) {
		if ref == bad {
			return jobs.Versions{Source: 1, Target: 2}, fmt.Errorf("record %s rejected", ref)
		}
		return jobs.Versions{Source: 1, Target: 2}, nil
	})
}

func TestUpgradeLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, failOn("r2"))
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"target_artifact": "artifact-v2",
		"description":     "move to v2",
	}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	p := decode[domain.Proposal](t, data)
	require.Equal(t, domain.StatusProposed, p.Status)
	require.Equal(t, "alice", p.Proposer)

	for i, m := range []string{"alice", "bob"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as(m))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		out := decode[engine.ApprovalResult](t, data)
		require.Equal(t, i+1, out.ApprovalCount)
		require.Equal(t, domain.StatusApproved, out.Status)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as("carol"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	armed := decode[engine.ApprovalResult](t, data)
	require.True(t, armed.TimelockJustActivated)
	require.Equal(t, domain.StatusTimelockActive, armed.Status)

	srv.Clock.Advance(time.Second)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/execute", nil, as("dave"))
	requireError(t, res, data, http.StatusConflict, "timelock_not_expired")

	srv.Clock.Advance(config.DefaultTimelock)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/execute", nil, as("dave"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	exec := decode[engine.ExecutionResult](t, data)
	require.True(t, exec.Executed)
	require.Equal(t, "artifact-v2", exec.TargetArtifact)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as("dave"))
	requireError(t, res, data, http.StatusConflict, "invalid_proposal_state")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/migrations", map[string]any{
		"proposal_id": p.ID,
		"record_refs": []string{"r1", "r2", "r3"},
	}, as("alice"))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	job := decode[domain.MigrationJob](t, data)
	_, err := srv.Runner.Wait(context.Background(), job.ID)
	require.NoError(t, err)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/migrations/"+job.ID+"/progress", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	progress := decode[domain.Progress](t, data)
	require.Equal(t, 3, progress.Completed)
	require.Equal(t, domain.JobCompleted, progress.Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/migrations/"+job.ID+"/failures", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	failures := decode[ItemResultList](t, data)
	require.Len(t, failures.Items, 1)
	require.Equal(t, "r2", failures.Items[0].RecordRef)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+p.ID+"/approvals", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approvals := decode[ApprovalList](t, data)
	require.Len(t, approvals.Items, 3)
	require.Equal(t, "alice", approvals.Items[0].Principal)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=proposal&entity_id="+p.ID+"&limit=2", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	require.Equal(t, events.ProposalExecuted, page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=proposal&entity_id="+p.ID+"&cursor="+page.NextCursor+"&limit=2", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedEvents](t, data)
	require.Len(t, next.Items, 2)
	require.Equal(t, events.ApprovalRecorded, next.Items[0].Type)
}

func TestErrorKindsOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": "a"}, nil)
	requireError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": "a"}, as("mallory"))
	requireError(t, res, data, http.StatusForbidden, "unauthorized_signer")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"target_artifact": "a",
		"description":     strings.Repeat("d", 501),
	}, as("alice"))
	requireError(t, res, data, http.StatusBadRequest, "description_too_long")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": "a"}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	p := decode[domain.Proposal](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as("bob"))
	requireError(t, res, data, http.StatusConflict, "duplicate_approval")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/nope", nil, as("bob"))
	requireError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/migrations/nope/progress", nil, as("bob"))
	requireError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/migrations", map[string]any{
		"proposal_id": p.ID,
		"record_refs": []string{"r1"},
	}, as("bob"))
	requireError(t, res, data, http.StatusConflict, "invalid_proposal_state")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/cancel", nil, as("carol"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	cancelled := decode[domain.Proposal](t, data)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/cancel", map[string]any{"reason": "twice"}, as("carol"))
	requireError(t, res, data, http.StatusConflict, "proposal_already_cancelled")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, as("carol"))
	requireError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestPauseBlocksExecuteOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": "artifact-v2"}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	p := decode[domain.Proposal](t, data)
	for _, m := range []string{"alice", "bob", "carol"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as(m))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	srv.Clock.Advance(config.DefaultTimelock)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/system/pause", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	state := decode[SystemResponse](t, data)
	require.True(t, state.Paused)
	require.Equal(t, 3, state.Threshold)
	require.Len(t, state.Members, 5)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/system/pause", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/execute", nil, as("alice"))
	requireError(t, res, data, http.StatusConflict, "system_paused")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/system/resume", nil, as("mallory"))
	requireError(t, res, data, http.StatusForbidden, "unauthorized_signer")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/system/resume", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.False(t, decode[SystemResponse](t, data).Paused)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/execute", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/system", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, "artifact-v2", decode[SystemResponse](t, data).CurrentArtifact)
}

func TestRollbackOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	ship := func(artifact string) domain.Proposal {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": artifact}, as("alice"))
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
		p := decode[domain.Proposal](t, data)
		for _, m := range []string{"alice", "bob", "carol"} {
			res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/approve", nil, as(m))
			require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		}
		srv.Clock.Advance(config.DefaultTimelock)
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/execute", nil, as("alice"))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		return p
	}
	ship("artifact-v1")
	v2 := ship("artifact-v2")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+v2.ID+"/rollback", map[string]any{"reason": "latency regression"}, as("dave"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	out := decode[struct {
		Rollback             domain.RollbackEvent `json:"rollback"`
		CompensatingProposal domain.Proposal      `json:"compensating_proposal"`
		Paused               bool                 `json:"paused"`
	}](t, data)
	require.False(t, out.Paused)
	require.Equal(t, "artifact-v1", out.CompensatingProposal.TargetArtifact)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/rollbacks?proposal_id="+v2.ID, nil, as("dave"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	list := decode[RollbackList](t, data)
	require.Len(t, list.Items, 1)
	require.Equal(t, out.CompensatingProposal.ID, list.Items[0].CompensatingProposalID)
}

func TestAuthenticationSources(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	token, err := SignToken(testSecret, "bob", time.Hour)
	require.NoError(t, err)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": "a"}, map[string]string{
		"Authorization": "Bearer " + token,
		PrincipalHeader: "alice",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	require.Equal(t, "bob", decode[domain.Proposal](t, data).Proposer)

	forged, err := SignToken("other-secret", "bob", time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, map[string]string{"Authorization": "Bearer " + forged})
	requireError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	key := "upg_test_key"
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		Principal: "carol",
		KeyHash:   repo.HashAPIKey(key),
	}))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{"target_artifact": "b"}, map[string]string{"X-Api-Key": key})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	require.Equal(t, "carol", decode[domain.Proposal](t, data).Proposer)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, map[string]string{"X-Api-Key": "wrong"})
	requireError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals?limit=10", nil, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Len(t, decode[ProposalList](t, data).Items, 2)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "upgrade_http_requests_total")
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	_, err := srv.Engine.Submit(ctx, "alice", "artifact-old", "before dispatcher")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []string
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, r.Header.Get("X-Upgrade-Event"))
		secrets = append(secrets, r.Header.Get("X-Upgrade-Secret"))
		mu.Unlock()
		require.Equal(t, body.Type, r.Header.Get("X-Upgrade-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{events.ApprovalRecorded, events.TimelockActivated},
		Secret: "s3cret",
	}}, zerolog.Nop())
	d.DispatchAll(ctx)

	p, err := srv.Engine.Submit(ctx, "alice", "artifact-new", "after dispatcher")
	require.NoError(t, err)
	for _, m := range []string{"alice", "bob", "carol"} {
		_, err := srv.Engine.Approve(ctx, p.ID, m)
		require.NoError(t, err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		events.ApprovalRecorded,
		events.ApprovalRecorded,
		events.ApprovalRecorded,
		events.TimelockActivated,
	}, received)
	require.Equal(t, "s3cret", secrets[0])
}
