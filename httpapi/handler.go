// Package httpapi serves subagent commands over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
)

// Controller is the part of *subctl.Controller the API needs.
type Controller interface {
	Handle(ctx context.Context, req subctl.Request) subctl.Reply
	Listing(ctx context.Context, requester string) (subctl.RunListing, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger used for request logs.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithToken requires a bearer token on every /v1 route.
func WithToken(token string) Option {
	return func(h *Handler) { h.token = token }
}

// WithGateway mounts a gateway protocol endpoint at /v1/gateway. The
// endpoint authenticates on its own.
func WithGateway(gw http.Handler) Option {
	return func(h *Handler) { h.gateway = gw }
}

// Handler handles HTTP requests.
type Handler struct {
	ctrl    Controller
	log     *zap.Logger
	token   string
	gateway http.Handler
}

// NewHandler creates a new handler.
func NewHandler(ctrl Controller, opts ...Option) *Handler {
	h := &Handler{ctrl: ctrl, log: zap.NewNop()}
	for _, fn := range opts {
		fn(h)
	}
	return h
}

// Echo returns a server with middleware and routes installed.
func (h *Handler) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			h.log.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error))
			return nil
		},
	}))
	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	if h.gateway != nil {
		e.GET("/v1/gateway", echo.WrapHandler(h.gateway))
	}

	v1 := e.Group("/v1", h.authenticate)
	v1.POST("/commands", h.Command)
	v1.GET("/requesters/:key/runs", h.Runs)
}

func (h *Handler) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.token == "" {
			return next(c)
		}
		got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		return next(c)
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type errorResponse struct {
	Error string `json:"error"`
}

// CommandRequest is the body of POST /v1/commands.
type CommandRequest struct {
	Requester string `json:"requester"`
	Channel   string `json:"channel,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Owner     bool   `json:"owner,omitempty"`
	Text      string `json:"text"`
}

// Command runs one command for a requester session. Text that is not a
// subagent command answers {"continue": true}.
func (h *Handler) Command(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if strings.TrimSpace(req.Requester) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "requester is required"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "text is required"})
	}

	reply := h.ctrl.Handle(c.Request().Context(), subctl.Request{
		RequesterSessionKey: req.Requester,
		Caller: subctl.Caller{
			Channel:  req.Channel,
			SenderID: req.Sender,
			Owner:    req.Owner,
		},
		Text: req.Text,
	})
	return c.JSON(http.StatusOK, reply)
}

// NumberedRun is a run with its list index.
type NumberedRun struct {
	Index int `json:"index"`
	subctl.RunRecord
}

// RunsResponse is the body of GET /v1/requesters/:key/runs.
type RunsResponse struct {
	Requester string        `json:"requester"`
	Active    []NumberedRun `json:"active"`
	Recent    []NumberedRun `json:"recent"`
}

// Runs returns the requester's runs numbered as list shows them.
func (h *Handler) Runs(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("key"))
	if err != nil || key == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid requester key"})
	}
	listing, err := h.ctrl.Listing(c.Request().Context(), key)
	if err != nil {
		h.log.Error("listing failed", zap.String("requester", key), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, NewRunsResponse(key, listing))
}

// NewRunsResponse numbers listing the way list does.
func NewRunsResponse(requester string, listing subctl.RunListing) RunsResponse {
	resp := RunsResponse{
		Requester: requester,
		Active:    make([]NumberedRun, 0, len(listing.Active)),
		Recent:    make([]NumberedRun, 0, len(listing.Recent)),
	}
	i := 0
	for _, r := range listing.Active {
		i++
		resp.Active = append(resp.Active, NumberedRun{Index: i, RunRecord: r})
	}
	for _, r := range listing.Recent {
		i++
		resp.Recent = append(resp.Recent, NumberedRun{Index: i, RunRecord: r})
	}
	return resp
}
