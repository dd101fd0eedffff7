package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/gateway"
	"github.com/armatrix/subctl/httpapi"
	"github.com/armatrix/subctl/internal/fake"
	"github.com/armatrix/subctl/registry"
	"github.com/armatrix/subctl/session"
)

const requester = "agent:main:main"

var now = time.UnixMilli(1_760_000_000_000)

type fixture struct {
	echo    http.Handler
	reg     *registry.Memory
	backend *fake.Backend
}

func newFixture(t *testing.T, opts ...httpapi.Option) *fixture {
	t.Helper()
	f := &fixture{backend: fake.NewBackend(), reg: registry.NewMemory()}
	ctrl := subctl.NewController(f.reg, f.backend, session.NewMemoryStore(),
		subctl.WithLogger(zaptest.NewLogger(t)),
		subctl.WithClock(func() time.Time { return now }),
	)
	t.Cleanup(func() { ctrl.Close() })
	opts = append([]httpapi.Option{httpapi.WithLogger(zaptest.NewLogger(t))}, opts...)
	f.echo = httpapi.NewHandler(ctrl, opts...).Echo()
	return f
}

func (f *fixture) register(t *testing.T, runID, label string, startedAgo, endedAgo time.Duration) {
	t.Helper()
	rec := subctl.RunRecord{
		RunID:               runID,
		ChildSessionKey:     "agent:main:subagent:" + runID,
		RequesterSessionKey: requester,
		Label:               label,
		Task:                label + " task",
		CreatedAt:           now.Add(-startedAgo).UnixMilli(),
		StartedAt:           now.Add(-startedAgo).UnixMilli(),
	}
	if endedAgo > 0 {
		rec.EndedAt = now.Add(-endedAgo).UnixMilli()
		rec.Outcome = &subctl.Outcome{Status: subctl.OutcomeOK}
	}
	require.NoError(t, f.reg.Register(context.Background(), rec))
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestCommand_List(t *testing.T) {
	f := newFixture(t)
	f.register(t, "r1", "Scout", 2*time.Minute, 0)

	rec := f.do(t, http.MethodPost, "/v1/commands", `{"requester":"agent:main:main","channel":"cli","owner":true,"text":"/subagents list"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply subctl.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.False(t, reply.Continue)
	assert.True(t, strings.HasPrefix(reply.Text, "Subagents\nActive:\n1. Scout"), reply.Text)
}

func TestCommand_NotACommand(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/commands", `{"requester":"agent:main:main","text":"hello there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"continue":true}`, rec.Body.String())
}

func TestCommand_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"requester":`, "invalid request body"},
		{"no requester", `{"text":"/subagents"}`, "requester is required"},
		{"no text", `{"requester":"agent:main:main"}`, "text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/commands", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestRuns(t *testing.T) {
	f := newFixture(t)
	f.register(t, "r-old", "Archived", 3*time.Hour, 2*time.Hour)
	f.register(t, "r-done", "Writer", 20*time.Minute, 5*time.Minute)
	f.register(t, "r-live", "Scout", 2*time.Minute, 0)

	rec := f.do(t, http.MethodGet, "/v1/requesters/"+url.PathEscape(requester)+"/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp httpapi.RunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, requester, resp.Requester)
	require.Len(t, resp.Active, 1)
	require.Len(t, resp.Recent, 1)
	assert.Equal(t, 1, resp.Active[0].Index)
	assert.Equal(t, "r-live", resp.Active[0].RunID)
	assert.Equal(t, 2, resp.Recent[0].Index)
	assert.Equal(t, "r-done", resp.Recent[0].RunID)
	assert.Equal(t, subctl.OutcomeOK, resp.Recent[0].Outcome.Status)
}

func TestRuns_Empty(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/requesters/nobody/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requester":"nobody","active":[],"recent":[]}`, rec.Body.String())
}

func TestAuth(t *testing.T) {
	f := newFixture(t, httpapi.WithToken("tok"))

	rec := f.do(t, http.MethodPost, "/v1/commands", `{"requester":"agent:main:main","text":"/subagents"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/commands", `{"requester":"agent:main:main","text":"/subagents"}`,
		"Authorization", "Bearer tok")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
}

func TestGatewayMount(t *testing.T) {
	backend := fake.NewBackend()
	f := newFixture(t, httpapi.WithGateway(gateway.NewServer(backend)))
	srv := httptest.NewServer(f.echo)
	t.Cleanup(srv.Close)

	c, err := gateway.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/gateway")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Abort(context.Background(), "sess-1"))
	assert.Equal(t, []string{"abort"}, backend.Methods())
}
