package local

import (
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/armatrix/subctl"
)

// Defaults for the local backend.
const (
	DefaultModel     = anthropic.ModelClaudeSonnet4_5
	DefaultMaxTokens = 8192
	DefaultMaxTurns  = 16
)

// Option configures a Backend.
type Option func(*options)

type options struct {
	model         anthropic.Model
	maxTokens     int64
	system        string
	maxTurns      int
	tools         ToolExecutor
	logger        *zap.Logger
	now           func() time.Time
	storePath     subctl.StorePathFunc
	transcriptDir string
	newRunID      func() string
	newSessionID  func() string
}

func resolveOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.model == "" {
		o.model = DefaultModel
	}
	if o.maxTokens <= 0 {
		o.maxTokens = DefaultMaxTokens
	}
	if o.maxTurns <= 0 {
		o.maxTurns = DefaultMaxTurns
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.storePath == nil {
		o.storePath = subctl.StorePathInDir("sessions")
	}
	if o.transcriptDir == "" {
		o.transcriptDir = filepath.Join("sessions", "transcripts")
	}
	if o.newRunID == nil {
		o.newRunID = subctl.NewIdempotencyKey
	}
	if o.newSessionID == nil {
		o.newSessionID = func() string { return subctl.GenerateID(subctl.PrefixSession) }
	}
	return o
}

// WithModel sets the model used for every turn.
func WithModel(m anthropic.Model) Option {
	return func(o *options) { o.model = m }
}

// WithMaxTokens caps each response.
func WithMaxTokens(n int64) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithSystemPrompt sets the system prompt for every turn.
func WithSystemPrompt(s string) Option {
	return func(o *options) { o.system = s }
}

// WithMaxTurns bounds the model calls made for one dispatched message.
func WithMaxTurns(n int) Option {
	return func(o *options) { o.maxTurns = n }
}

// WithTools lets lanes call tools.
func WithTools(t ToolExecutor) Option {
	return func(o *options) { o.tools = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStorePath must match the controller's store layout.
func WithStorePath(fn subctl.StorePathFunc) Option {
	return func(o *options) { o.storePath = fn }
}

// WithTranscriptDir sets where transcripts are written, one file per
// backend session id.
func WithTranscriptDir(dir string) Option {
	return func(o *options) { o.transcriptDir = dir }
}

// WithIDs overrides run and session id generation (for testing).
func WithIDs(runID, sessionID func() string) Option {
	return func(o *options) {
		o.newRunID = runID
		o.newSessionID = sessionID
	}
}
