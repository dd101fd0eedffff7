// Package local runs subagent turns in-process against the Anthropic
// Messages API and implements subctl.Backend.
//
// Each session key gets one lane: a single active run plus a FIFO of queued
// dispatches. Finished turns update the session store entry (session id,
// transcript path, model and token usage) and rewrite the transcript file.
package local
