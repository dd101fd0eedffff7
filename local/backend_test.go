package local_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/local"
	"github.com/armatrix/subctl/registry"
	"github.com/armatrix/subctl/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	childKey  = "agent:main:subagent:abc"
	storePath = "/sessions/main/sessions.json"
)

// --- Mock streamer ---

// mockStreamer answers call n with "reply n". When gate is set, each call
// waits for a value on it (or for cancellation) before answering.
type mockStreamer struct {
	mu    sync.Mutex
	calls []anthropic.MessageNewParams
	gate  chan struct{}

	// script overrides the response body of call n (1-based).
	script map[int]string
}

func (m *mockStreamer) NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	m.mu.Lock()
	m.calls = append(m.calls, params)
	n := len(m.calls)
	gate := m.gate
	body, scripted := m.script[n]
	m.mu.Unlock()
	if !scripted {
		body = textResponse(fmt.Sprintf("reply %d", n))
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ssestream.NewStream[anthropic.MessageStreamEventUnion](nil, ctx.Err())
		}
	}
	resp := &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
	return ssestream.NewStream[anthropic.MessageStreamEventUnion](ssestream.NewDecoder(resp), nil)
}

func (m *mockStreamer) Calls() []anthropic.MessageNewParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]anthropic.MessageNewParams(nil), m.calls...)
}

func textResponse(text string) string {
	events := []struct{ typ, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"msg_test","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"usage":{"input_tokens":10,"output_tokens":0}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"%s"}}`, text)},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	return buildSSE(events)
}

func toolUseResponse(id, name, input string) string {
	return buildSSE([]struct{ typ, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"msg_tool","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"usage":{"input_tokens":20,"output_tokens":0}}}`},
		{"content_block_start", fmt.Sprintf(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"%s","name":"%s","input":{}}}`, id, name)},
		{"content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":%q}}`, input)},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":7}}`},
		{"message_stop", `{"type":"message_stop"}`},
	})
}

func buildSSE(events []struct{ typ, data string }) string {
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "event: %s\ndata: %s\n\n", e.typ, e.data)
	}
	return sb.String()
}

// recordingTools is a ToolExecutor with a single "echo" tool.
type recordingTools struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTools) Execute(_ context.Context, sessionKey, name string, input json.RawMessage) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionKey+" "+name+" "+string(input))
	if name != "echo" {
		return "", false, fmt.Errorf("tool not found: %s", name)
	}
	return "echoed", false, nil
}

func (r *recordingTools) ListForAPI() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{{OfTool: &anthropic.ToolParam{
		Name:        "echo",
		InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]any{}},
	}}}
}

func (r *recordingTools) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// --- Helpers ---

type fixture struct {
	backend  *local.Backend
	streamer *mockStreamer
	store    *session.MemoryStore
	dir      string
}

func newFixture(t *testing.T, gated bool, opts ...local.Option) *fixture {
	t.Helper()
	f := &fixture{
		streamer: &mockStreamer{},
		store:    session.NewMemoryStore(),
		dir:      t.TempDir(),
	}
	if gated {
		f.streamer.gate = make(chan struct{})
	}
	runs, sessions := 0, 0
	base := []local.Option{
		local.WithLogger(zaptest.NewLogger(t)),
		local.WithStorePath(subctl.StorePathInDir("/sessions")),
		local.WithTranscriptDir(f.dir),
		local.WithIDs(
			func() string { runs++; return fmt.Sprintf("run-%d", runs) },
			func() string { sessions++; return fmt.Sprintf("sess-%d", sessions) },
		),
	}
	f.backend = local.New(f.streamer, f.store, append(base, opts...)...)
	t.Cleanup(func() { f.backend.Close() })
	return f
}

func (f *fixture) dispatch(t *testing.T, msg string) string {
	t.Helper()
	res, err := f.backend.Dispatch(context.Background(), subctl.DispatchRequest{
		Message:    msg,
		SessionKey: childKey,
		Lane:       subctl.LaneSubagent,
	})
	require.NoError(t, err)
	return res.RunID
}

func (f *fixture) wait(t *testing.T, runID string) subctl.WaitResult {
	t.Helper()
	res, err := f.backend.Wait(context.Background(), runID, 2*time.Second)
	require.NoError(t, err)
	return res
}

func (f *fixture) awaitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.streamer.Calls()) == n }, 2*time.Second, 5*time.Millisecond)
}

// --- Tests ---

func TestDispatch_RunsTurn(t *testing.T) {
	f := newFixture(t, false)
	runID := f.dispatch(t, "hello")
	assert.Equal(t, "run-1", runID)

	res := f.wait(t, runID)
	assert.Equal(t, subctl.WaitDone, res.Status)
	assert.Positive(t, res.StartedAt)
	assert.GreaterOrEqual(t, res.EndedAt, res.StartedAt)

	msgs, err := f.backend.History(context.Background(), childKey, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "reply 1", subctl.LastAssistantText(msgs))

	entries, err := f.store.Load(context.Background(), storePath)
	require.NoError(t, err)
	e := entries[childKey]
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, filepath.Join(f.dir, "sess-1.json"), e.SessionFile)
	assert.Equal(t, string(local.DefaultModel), e.Model)
	assert.Equal(t, int64(10), e.InputTokens)
	assert.Equal(t, int64(5), e.OutputTokens)
	assert.Equal(t, int64(15), e.TotalTokens)

	tr, err := session.LoadTranscript(e.SessionFile)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", tr.SessionID)
	assert.Len(t, tr.Messages, 2)
}

func TestDispatch_QueuesPerLane(t *testing.T) {
	f := newFixture(t, true)
	first := f.dispatch(t, "one")
	second := f.dispatch(t, "two")
	f.awaitCalls(t, 1)

	res, err := f.backend.Wait(context.Background(), second, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, subctl.WaitTimeout, res.Status)

	f.streamer.gate <- struct{}{}
	assert.Equal(t, subctl.WaitDone, f.wait(t, first).Status)
	f.awaitCalls(t, 2)
	f.streamer.gate <- struct{}{}
	assert.Equal(t, subctl.WaitDone, f.wait(t, second).Status)

	// The queued turn sees the first exchange.
	assert.Len(t, f.streamer.Calls()[1].Messages, 3)

	entries, err := f.store.Load(context.Background(), storePath)
	require.NoError(t, err)
	assert.Equal(t, int64(30), entries[childKey].TotalTokens)
}

func TestDispatch_Idempotent(t *testing.T) {
	f := newFixture(t, false)
	req := subctl.DispatchRequest{Message: "hi", SessionKey: childKey, IdempotencyKey: "k1"}
	a, err := f.backend.Dispatch(context.Background(), req)
	require.NoError(t, err)
	b, err := f.backend.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.RunID, b.RunID)

	f.wait(t, a.RunID)
	assert.Len(t, f.streamer.Calls(), 1)
}

func TestDispatch_MissingSessionKey(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.backend.Dispatch(context.Background(), subctl.DispatchRequest{Message: "hi"})
	assert.ErrorIs(t, err, local.ErrMissingSession)
}

func TestDispatch_RestoresTranscript(t *testing.T) {
	f := newFixture(t, false)
	file := filepath.Join(f.dir, "old.json")
	require.NoError(t, session.SaveTranscript(file, session.Transcript{
		SessionID:  "old",
		SessionKey: childKey,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("earlier")),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock("noted")),
		},
	}))
	f.store.Put(storePath, childKey, subctl.SessionEntry{SessionID: "old", SessionFile: file, InputTokens: 100})

	f.wait(t, f.dispatch(t, "again"))

	assert.Len(t, f.streamer.Calls()[0].Messages, 3)
	entries, err := f.store.Load(context.Background(), storePath)
	require.NoError(t, err)
	assert.Equal(t, "old", entries[childKey].SessionID)
	assert.Equal(t, int64(110), entries[childKey].InputTokens)

	// The restored lane answers to its old session id.
	require.NoError(t, f.backend.Abort(context.Background(), "old"))
}

func TestAbort_CancelsActiveRun(t *testing.T) {
	f := newFixture(t, true)
	runID := f.dispatch(t, "long job")
	f.awaitCalls(t, 1)

	require.NoError(t, f.backend.Abort(context.Background(), "sess-1"))
	res := f.wait(t, runID)
	assert.Equal(t, subctl.WaitError, res.Status)
	assert.Equal(t, local.ErrTextAborted, res.Error)

	msgs, err := f.backend.History(context.Background(), childKey, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "aborted turn keeps only the user message")
}

func TestAbort_StartsNextQueued(t *testing.T) {
	f := newFixture(t, true)
	first := f.dispatch(t, "one")
	second := f.dispatch(t, "two")
	f.awaitCalls(t, 1)

	require.NoError(t, f.backend.Abort(context.Background(), childKey))
	assert.Equal(t, subctl.WaitError, f.wait(t, first).Status)

	f.awaitCalls(t, 2)
	f.streamer.gate <- struct{}{}
	assert.Equal(t, subctl.WaitDone, f.wait(t, second).Status)
}

func TestAbort_UnknownSession(t *testing.T) {
	f := newFixture(t, false)
	err := f.backend.Abort(context.Background(), "nope")
	assert.ErrorIs(t, err, subctl.ErrUnknownSession)
}

func TestClearQueues(t *testing.T) {
	f := newFixture(t, true)
	first := f.dispatch(t, "one")
	second := f.dispatch(t, "two")
	third := f.dispatch(t, "three")
	f.awaitCalls(t, 1)

	res, err := f.backend.ClearQueues(context.Background(), childKey, "sess-1", "unknown")
	require.NoError(t, err)
	assert.Equal(t, subctl.QueueClearResult{Followups: 2, Lanes: 1}, res)

	for _, id := range []string{second, third} {
		r := f.wait(t, id)
		assert.Equal(t, subctl.WaitError, r.Status)
		assert.Equal(t, local.ErrTextCleared, r.Error)
	}

	close(f.streamer.gate)
	assert.Equal(t, subctl.WaitDone, f.wait(t, first).Status)
	assert.Len(t, f.streamer.Calls(), 1)
}

func TestWait_UnknownRun(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.backend.Wait(context.Background(), "ghost", time.Millisecond)
	assert.ErrorIs(t, err, subctl.ErrRunNotFound)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.backend.History(context.Background(), childKey, 5)
	assert.ErrorIs(t, err, subctl.ErrUnknownSession)

	f.wait(t, f.dispatch(t, "one"))
	f.wait(t, f.dispatch(t, "two"))

	msgs, err := f.backend.History(context.Background(), "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "reply 2", subctl.LastAssistantText(msgs))
}

func TestStopHook_AbortsStoppedRuns(t *testing.T) {
	f := newFixture(t, true)
	reg := registry.NewMemory(registry.WithStopHook(subctl.BackendStopHook(f.backend, f.store, subctl.StorePathInDir("/sessions"), zaptest.NewLogger(t))))
	runID := f.dispatch(t, "work")
	queued := f.dispatch(t, "more")
	f.awaitCalls(t, 1)

	require.NoError(t, reg.Register(context.Background(), subctl.RunRecord{
		RunID:               runID,
		ChildSessionKey:     childKey,
		RequesterSessionKey: "agent:main:main",
		Task:                "work",
		CreatedAt:           1,
	}))
	n, err := reg.StopAll(context.Background(), "agent:main:main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, local.ErrTextAborted, f.wait(t, runID).Error)
	assert.Equal(t, local.ErrTextCleared, f.wait(t, queued).Error)
}

func TestClose_FailsQueuedAndRejectsDispatch(t *testing.T) {
	f := newFixture(t, true)
	first := f.dispatch(t, "one")
	second := f.dispatch(t, "two")
	f.awaitCalls(t, 1)

	require.NoError(t, f.backend.Close())
	assert.Equal(t, local.ErrTextAborted, f.wait(t, first).Error)
	assert.Equal(t, local.ErrTextClosed, f.wait(t, second).Error)

	_, err := f.backend.Dispatch(context.Background(), subctl.DispatchRequest{SessionKey: childKey, Message: "late"})
	assert.ErrorIs(t, err, local.ErrClosed)
}

func TestTurn_RunsToolsUntilEndTurn(t *testing.T) {
	tools := &recordingTools{}
	f := newFixture(t, false, local.WithTools(tools))
	f.streamer.script = map[int]string{1: toolUseResponse("toolu_1", "echo", `{"x":1}`)}

	res := f.wait(t, f.dispatch(t, "use the tool"))
	assert.Equal(t, subctl.WaitDone, res.Status)
	assert.Equal(t, []string{childKey + ` echo {"x":1}`}, tools.Calls())

	calls := f.streamer.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].Tools, 1)
	// user, assistant tool_use, user tool_result
	require.Len(t, calls[1].Messages, 3)
	result := calls[1].Messages[2].Content[0].OfToolResult
	require.NotNil(t, result)
	assert.Equal(t, "toolu_1", result.ToolUseID)

	msgs, err := f.backend.History(context.Background(), childKey, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
	assert.Equal(t, "reply 2", subctl.LastAssistantText(msgs))

	entries, err := f.store.Load(context.Background(), storePath)
	require.NoError(t, err)
	assert.Equal(t, int64(30), entries[childKey].InputTokens)
	assert.Equal(t, int64(12), entries[childKey].OutputTokens)
}

func TestTurn_MaxTurns(t *testing.T) {
	tools := &recordingTools{}
	f := newFixture(t, false, local.WithTools(tools), local.WithMaxTurns(2))
	loop := toolUseResponse("toolu_1", "echo", `{}`)
	f.streamer.script = map[int]string{1: loop, 2: loop, 3: loop}

	res := f.wait(t, f.dispatch(t, "loop forever"))
	assert.Equal(t, subctl.WaitError, res.Status)
	assert.Equal(t, "max turns (2) reached", res.Error)
	assert.Len(t, f.streamer.Calls(), 2)
}
