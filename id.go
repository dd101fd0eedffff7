package subctl

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefix constants for backend-assigned identifiers.
const (
	PrefixSession = "sess"
	PrefixRun     = "run"
)

// GenerateID produces a unique identifier with the given prefix and embedded timestamp.
// Format: {prefix}_{YYYYMMDDTHHmmss}_{16 hex chars}  e.g. "run_20260208T150405_a1b2c3d4e5f6a7b8"
func GenerateID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + "_" + ts + "_" + hex.EncodeToString(b)
}

// NewIdempotencyKey returns a fresh key for a backend dispatch.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// NewChildSessionKey returns a session key for a new subagent of agentID.
func NewChildSessionKey(agentID string) string {
	if agentID = strings.TrimSpace(agentID); agentID == "" {
		agentID = DefaultAgentID
	}
	return "agent:" + agentID + ":subagent:" + uuid.NewString()
}

// AgentIDFromSessionKey extracts the agent id from keys shaped
// "agent:<agentId>:<rest>". Other keys map to DefaultAgentID.
func AgentIDFromSessionKey(key string) string {
	parts := strings.SplitN(strings.TrimSpace(key), ":", 3)
	if len(parts) < 3 || !strings.EqualFold(parts[0], "agent") || parts[1] == "" {
		return DefaultAgentID
	}
	return strings.ToLower(parts[1])
}

// ShortID truncates a run id for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
