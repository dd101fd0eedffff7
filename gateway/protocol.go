// Package gateway speaks the gateway's WebSocket request/response protocol.
// Client implements subctl.Backend against a remote gateway; Server exposes
// any subctl.Backend over the same protocol.
//
// Frames are JSON text messages:
//
//	{"type":"req","id":"…","method":"agent.wait","params":{…}}
//	{"type":"res","id":"…","ok":true,"payload":{…}}
//	{"type":"res","id":"…","ok":false,"error":{"code":"…","message":"…"}}
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// Method names.
const (
	MethodAbort       = "chat.abort"
	MethodDispatch    = "agent"
	MethodWait        = "agent.wait"
	MethodHistory     = "chat.history"
	MethodClearQueues = "sessions.clearQueues"
)

const (
	frameRequest  = "req"
	frameResponse = "res"
)

// Sentinel errors for the gateway package.
var (
	ErrClosed = errors.New("gateway: connection closed")
)

type requestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type responseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RemoteError is an error reported by the gateway for one call.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s (%s)", e.Method, e.Message, e.Code)
}

type abortParams struct {
	SessionID string `json:"sessionId"`
}

type waitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

type historyPayload struct {
	Messages []anthropic.MessageParam `json:"messages"`
}

type clearParams struct {
	Keys []string `json:"keys"`
}
