package gateway_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/gateway"
	"github.com/armatrix/subctl/internal/fake"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const token = "s3cret"

func serve(t *testing.T, backend subctl.Backend) string {
	t.Helper()
	srv := httptest.NewServer(gateway.NewServer(backend,
		gateway.WithServerToken(token),
		gateway.WithServerLogger(zaptest.NewLogger(t)),
	))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gateway.Client {
	t.Helper()
	c, err := gateway.Dial(context.Background(), url,
		gateway.WithToken(token),
		gateway.WithLogger(zaptest.NewLogger(t)),
		gateway.WithCallTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_Dispatch(t *testing.T) {
	b := fake.NewBackend()
	c := dial(t, serve(t, b))

	res, err := c.Dispatch(context.Background(), subctl.DispatchRequest{
		Message:        "hello",
		SessionKey:     "agent:main:subagent:a",
		IdempotencyKey: "k1",
		Channel:        subctl.ChannelInternal,
		Lane:           subctl.LaneSubagent,
	})
	require.NoError(t, err)
	assert.Equal(t, "r0000001-fake", res.RunID)

	reqs := b.Requests()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.False(t, got.Deliver)
	assert.Equal(t, subctl.LaneSubagent, got.Lane)
}

func TestClient_Wait(t *testing.T) {
	b := fake.NewBackend()
	b.Block = true
	c := dial(t, serve(t, b))

	res, err := c.Wait(context.Background(), "run-1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, subctl.WaitTimeout, res.Status)

	b.Finish("run-1", subctl.WaitResult{Status: subctl.WaitError, Error: "boom", EndedAt: 42})
	res, err = c.Wait(context.Background(), "run-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, subctl.WaitResult{Status: subctl.WaitError, Error: "boom", EndedAt: 42}, res)
}

func TestClient_History(t *testing.T) {
	b := fake.NewBackend()
	b.SetHistory("child",
		anthropic.NewUserMessage(anthropic.NewTextBlock("question")),
		anthropic.NewAssistantMessage(anthropic.NewTextBlock("answer")),
	)
	c := dial(t, serve(t, b))

	msgs, err := c.History(context.Background(), "child", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "answer", subctl.LastAssistantText(msgs))
}

func TestClient_AbortAndClear(t *testing.T) {
	b := fake.NewBackend()
	c := dial(t, serve(t, b))

	require.NoError(t, c.Abort(context.Background(), "sess-1"))
	_, err := c.ClearQueues(context.Background(), "child", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, []fake.Call{
		{Method: "abort", Arg: "sess-1"},
		{Method: "clear", Arg: "child"},
		{Method: "clear", Arg: "sess-1"},
	}, b.Calls())
}

func TestClient_RemoteError(t *testing.T) {
	b := fake.NewBackend()
	b.AbortErr = errors.New("no such session")
	c := dial(t, serve(t, b))

	err := c.Abort(context.Background(), "sess-x")
	var re *gateway.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, gateway.MethodAbort, re.Method)
	assert.Equal(t, gateway.CodeBackend, re.Code)
	assert.Equal(t, "no such session", re.Message)
}

func TestClient_UnknownMethod(t *testing.T) {
	c := dial(t, serve(t, fake.NewBackend()))

	err := c.Call(context.Background(), "sessions.patch", map[string]string{}, nil)
	var re *gateway.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, gateway.CodeUnknownMethod, re.Code)
}

func TestClient_BadParams(t *testing.T) {
	c := dial(t, serve(t, fake.NewBackend()))

	err := c.Call(context.Background(), gateway.MethodWait, []int{1}, nil)
	var re *gateway.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, gateway.CodeBadRequest, re.Code)
}

type plainBackend struct{ subctl.Backend }

func TestClient_ClearUnsupported(t *testing.T) {
	c := dial(t, serve(t, plainBackend{fake.NewBackend()}))

	_, err := c.ClearQueues(context.Background(), "child")
	var re *gateway.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, gateway.CodeUnsupported, re.Code)
}

func TestDial_Unauthorized(t *testing.T) {
	url := serve(t, fake.NewBackend())
	_, err := gateway.Dial(context.Background(), url, gateway.WithToken("wrong"))
	require.Error(t, err)
}

func TestClient_ConcurrentCalls(t *testing.T) {
	b := fake.NewBackend()
	b.Block = true
	c := dial(t, serve(t, b))

	// A long wait must not hold up other calls on the same connection.
	done := make(chan error, 1)
	go func() {
		res, err := c.Wait(context.Background(), "slow", 5*time.Second)
		if err == nil && res.Status != subctl.WaitDone {
			err = errors.New("unexpected status " + string(res.Status))
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return len(b.Methods()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Abort(context.Background(), "sess-1"))
	b.Finish("slow", subctl.WaitResult{Status: subctl.WaitDone})
	require.NoError(t, <-done)
}

func TestClient_CloseFailsPending(t *testing.T) {
	b := fake.NewBackend()
	b.Block = true
	url := serve(t, b)
	c, err := gateway.Dial(context.Background(), url, gateway.WithToken(token))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Wait(context.Background(), "stuck", time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(b.Methods()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, gateway.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on close")
	}

	_, err = c.Dispatch(context.Background(), subctl.DispatchRequest{SessionKey: "x"})
	assert.ErrorIs(t, err, gateway.ErrClosed)
}
