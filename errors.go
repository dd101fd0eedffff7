package subctl

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the controller, registries and backends.
var (
	ErrAlreadyFinished  = errors.New("subctl: run already finished")
	ErrWaitTimeout      = errors.New("subctl: wait timed out")
	ErrRunNotFound      = errors.New("subctl: run not found")
	ErrUnknownSession   = errors.New("subctl: unknown session")
	ErrRegistryReadOnly = errors.New("subctl: registry does not record runs")
	ErrControllerClosed = errors.New("subctl: controller closed")
	ErrMissingRequester = errors.New("subctl: missing requester session key")
)

// UsageError reports a missing or malformed command argument. No backend
// call is made once a UsageError is detected.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return e.Usage }

// BackendError wraps a failed call to the execution backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }

func (e *BackendError) Unwrap() error { return e.Err }

// ResolveKind classifies a failed target resolution.
type ResolveKind int

const (
	ResolveMissing ResolveKind = iota + 1
	ResolveInvalidIndex
	ResolveUnknownSession
	ResolveAmbiguousLabel
	ResolveAmbiguousLabelPrefix
	ResolveAmbiguousRunID
	ResolveUnknown
)

// ResolutionError reports why a token did not resolve to exactly one run.
type ResolutionError struct {
	Kind  ResolveKind
	Token string
}

func (e *ResolutionError) Error() string {
	switch e.Kind {
	case ResolveMissing:
		return "Missing subagent id."
	case ResolveInvalidIndex:
		return "Invalid subagent index: " + e.Token
	case ResolveUnknownSession:
		return "Unknown subagent session: " + e.Token
	case ResolveAmbiguousLabel:
		return "Ambiguous subagent label: " + e.Token
	case ResolveAmbiguousLabelPrefix:
		return "Ambiguous subagent label prefix: " + e.Token
	case ResolveAmbiguousRunID:
		return "Ambiguous run id prefix: " + e.Token
	default:
		return "Unknown subagent id: " + e.Token
	}
}

// Ambiguous reports whether more than one run matched the token.
func (e *ResolutionError) Ambiguous() bool {
	switch e.Kind {
	case ResolveAmbiguousLabel, ResolveAmbiguousLabelPrefix, ResolveAmbiguousRunID:
		return true
	}
	return false
}
