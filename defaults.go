package subctl

import "time"

// Timing and limit defaults.
const (
	// DefaultRecencyWindow separates freshly ended runs (listed and
	// indexable) from older history.
	DefaultRecencyWindow = 30 * time.Minute

	// DefaultSendTimeout bounds how long send waits for the child's reply.
	DefaultSendTimeout = 30 * time.Second

	// DefaultCallTimeout bounds every other backend and store call.
	DefaultCallTimeout = 10 * time.Second

	// DefaultLogLimit is the history limit for log when none is given.
	DefaultLogLimit = 20

	// MaxLogLimit is the upper clamp for the log history limit.
	MaxLogLimit = 200

	// SendHistoryLimit is how many messages send fetches to find the reply.
	SendHistoryLimit = 50

	// DefaultWatchInterval is the per-call wait used by run watchers.
	DefaultWatchInterval = time.Minute
)

// Session and routing defaults.
const (
	// DefaultAgentID is used for session keys that carry no agent id.
	DefaultAgentID = "main"

	// LaneSubagent is the backend execution lane for subagent traffic.
	LaneSubagent = "subagent"

	// LaneMain is the lane used by top-level traffic.
	LaneMain = "main"

	// ChannelInternal routes dispatches that must not be delivered to a
	// user-facing channel.
	ChannelInternal = "internal"
)
