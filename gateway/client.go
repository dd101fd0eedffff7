package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	token        string
	logger       *zap.Logger
	callTimeout  time.Duration
	pingInterval time.Duration
	dialer       *websocket.Dialer
}

// WithToken sends token as a bearer credential when dialing.
func WithToken(token string) Option {
	return func(o *clientOptions) { o.token = token }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithCallTimeout bounds calls whose context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.callTimeout = d }
}

// WithPingInterval sets the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *clientOptions) { o.pingInterval = d }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *clientOptions) { o.dialer = d }
}

// Client is a gateway connection. Calls may be made concurrently; a single
// goroutine owns all writes and responses are matched to calls by id.
type Client struct {
	conn *websocket.Conn
	opts clientOptions
	log  *zap.Logger

	out     chan []byte
	mu      sync.Mutex
	pending map[string]chan responseFrame

	closed    chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

var (
	_ subctl.Backend      = (*Client)(nil)
	_ subctl.QueueClearer = (*Client)(nil)
)

// Dial connects to the gateway at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := clientOptions{
		logger:       zap.NewNop(),
		callTimeout:  subctl.DefaultCallTimeout,
		pingInterval: 30 * time.Second,
		dialer:       websocket.DefaultDialer,
	}
	for _, fn := range opts {
		fn(&o)
	}

	header := http.Header{}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}
	conn, _, err := o.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		opts:    o,
		log:     o.logger,
		out:     make(chan []byte),
		pending: make(map[string]chan responseFrame),
		closed:  make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Close closes the connection and fails all pending calls.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("gateway connection lost", zap.Error(err))
			}
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		var res responseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			c.log.Warn("dropping malformed gateway frame", zap.Error(err))
			continue
		}
		if res.Type != frameResponse {
			c.log.Debug("ignoring gateway frame", zap.String("type", res.Type))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()
		if ok {
			ch <- res
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case b := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.callTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.callTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Call sends one request and decodes the response payload into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("gateway %s: marshal params: %w", method, err)
	}
	id := uuid.NewString()
	frame, err := json.Marshal(requestFrame{Type: frameRequest, ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("gateway %s: marshal request: %w", method, err)
	}

	ch := make(chan responseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.out <- frame:
	case <-ctx.Done():
		return fmt.Errorf("gateway %s: %w", method, ctx.Err())
	case <-c.closed:
		return fmt.Errorf("gateway %s: %w", method, c.err)
	}

	var res responseFrame
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("gateway %s: %w", method, ctx.Err())
	case <-c.closed:
		return fmt.Errorf("gateway %s: %w", method, c.err)
	}

	if !res.OK {
		re := &RemoteError{Method: method, Message: "request failed"}
		if res.Error != nil {
			re.Code, re.Message = res.Error.Code, res.Error.Message
		}
		return re
	}
	if out == nil || len(res.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Payload, out); err != nil {
		return fmt.Errorf("gateway %s: decode payload: %w", method, err)
	}
	return nil
}

// Abort interrupts the backend session's active run.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.Call(ctx, MethodAbort, abortParams{SessionID: sessionID}, nil)
}

// Dispatch starts a turn in req.SessionKey.
func (c *Client) Dispatch(ctx context.Context, req subctl.DispatchRequest) (subctl.DispatchResult, error) {
	var res subctl.DispatchResult
	err := c.Call(ctx, MethodDispatch, req, &res)
	return res, err
}

// Wait asks the gateway to wait up to timeout for runID. The call itself
// may take up to timeout plus the call timeout.
func (c *Client) Wait(ctx context.Context, runID string, timeout time.Duration) (subctl.WaitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+c.opts.callTimeout)
	defer cancel()
	var res subctl.WaitResult
	err := c.Call(ctx, MethodWait, waitParams{RunID: runID, TimeoutMs: timeout.Milliseconds()}, &res)
	if err == nil && res.Status == "" {
		res.Status = subctl.WaitDone
	}
	return res, err
}

// History fetches the most recent transcript messages of sessionKey.
func (c *Client) History(ctx context.Context, sessionKey string, limit int) ([]anthropic.MessageParam, error) {
	var res historyPayload
	if err := c.Call(ctx, MethodHistory, historyParams{SessionKey: sessionKey, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// ClearQueues drops queued follow-ups and lane entries for keys.
func (c *Client) ClearQueues(ctx context.Context, keys ...string) (subctl.QueueClearResult, error) {
	var res subctl.QueueClearResult
	err := c.Call(ctx, MethodClearQueues, clearParams{Keys: keys}, &res)
	return res, err
}
