package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// transcriptJSON is the on-disk representation of a transcript.
type transcriptJSON struct {
	SessionID  string                   `json:"session_id"`
	SessionKey string                   `json:"session_key"`
	Messages   []anthropic.MessageParam `json:"messages"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// Transcript is the conversation history of one backend session.
type Transcript struct {
	SessionID  string
	SessionKey string
	Messages   []anthropic.MessageParam
	UpdatedAt  time.Time
}

// SaveTranscript writes t to path as JSON, atomically.
func SaveTranscript(path string, t Transcript) error {
	b, err := json.MarshalIndent(transcriptJSON(t), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return writeAtomic(path, b)
}

// LoadTranscript reads the transcript at path.
func LoadTranscript(path string) (Transcript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Transcript{}, fmt.Errorf("transcript not found: %s: %w", path, os.ErrNotExist)
		}
		return Transcript{}, fmt.Errorf("read transcript: %w", err)
	}
	var data transcriptJSON
	if err := json.Unmarshal(b, &data); err != nil {
		return Transcript{}, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return Transcript(data), nil
}
