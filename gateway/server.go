package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
)

// Error codes carried in failed responses.
const (
	CodeBadRequest    = "bad_request"
	CodeUnknownMethod = "unknown_method"
	CodeUnsupported   = "unsupported"
	CodeBackend       = "backend_error"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerToken requires callers to present token as a bearer credential.
func WithServerToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithServerLogger sets the structured logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithMaxMessageSize caps inbound frame size in bytes.
func WithMaxMessageSize(n int64) ServerOption {
	return func(s *Server) { s.maxMessageSize = n }
}

// Server exposes a subctl.Backend over the gateway protocol. Each request
// is served on its own goroutine so a long agent.wait does not hold up the
// connection; responses share one write lock.
type Server struct {
	backend        subctl.Backend
	token          string
	log            *zap.Logger
	maxMessageSize int64
	writeTimeout   time.Duration
	upgrader       websocket.Upgrader
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a Server backed by backend.
func NewServer(backend subctl.Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend:        backend,
		log:            zap.NewNop(),
		maxMessageSize: 1 << 20,
		writeTimeout:   10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serveConn(conn)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) serveConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer func() {
		cancel()
		wg.Wait()
		conn.Close()
	}()

	write := func(res responseFrame) {
		b, err := json.Marshal(res)
		if err != nil {
			s.log.Error("marshal gateway response", zap.String("id", res.ID), zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			s.log.Debug("write gateway response", zap.String("id", res.ID), zap.Error(err))
		}
	}

	conn.SetReadLimit(s.maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("gateway connection error", zap.Error(err))
			}
			return
		}
		var req requestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != frameRequest || req.ID == "" {
			write(failure(req.ID, CodeBadRequest, "invalid request frame"))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			write(s.handle(ctx, req))
		}()
	}
}

func (s *Server) handle(ctx context.Context, req requestFrame) responseFrame {
	log := s.log.With(zap.String("id", req.ID), zap.String("method", req.Method))
	var (
		payload any
		err     error
	)
	switch req.Method {
	case MethodAbort:
		var p abortParams
		if err = decode(req.Params, &p); err == nil {
			err = s.backend.Abort(ctx, p.SessionID)
		}
	case MethodDispatch:
		var p subctl.DispatchRequest
		if err = decode(req.Params, &p); err == nil {
			payload, err = s.backend.Dispatch(ctx, p)
		}
	case MethodWait:
		var p waitParams
		if err = decode(req.Params, &p); err == nil {
			payload, err = s.backend.Wait(ctx, p.RunID, time.Duration(p.TimeoutMs)*time.Millisecond)
		}
	case MethodHistory:
		var p historyParams
		if err = decode(req.Params, &p); err == nil {
			var msgs []anthropic.MessageParam
			msgs, err = s.backend.History(ctx, p.SessionKey, p.Limit)
			payload = historyPayload{Messages: msgs}
		}
	case MethodClearQueues:
		qc, ok := s.backend.(subctl.QueueClearer)
		if !ok {
			return failure(req.ID, CodeUnsupported, "backend has no queues")
		}
		var p clearParams
		if err = decode(req.Params, &p); err == nil {
			payload, err = qc.ClearQueues(ctx, p.Keys...)
		}
	default:
		return failure(req.ID, CodeUnknownMethod, "unknown method: "+req.Method)
	}

	var bad *badRequest
	switch {
	case errors.As(err, &bad):
		return failure(req.ID, CodeBadRequest, err.Error())
	case err != nil:
		log.Debug("gateway call failed", zap.Error(err))
		return failure(req.ID, CodeBackend, err.Error())
	}

	res := responseFrame{Type: frameResponse, ID: req.ID, OK: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return failure(req.ID, CodeBackend, "marshal payload: "+err.Error())
		}
		res.Payload = raw
	}
	return res
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid params: " + e.err.Error() }

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &badRequest{err: err}
	}
	return nil
}

func failure(id, code, msg string) responseFrame {
	return responseFrame{Type: frameResponse, ID: id, Error: &frameError{Code: code, Message: msg}}
}
