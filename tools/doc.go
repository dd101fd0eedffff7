// Package tools exposes subagent control to agents as Messages API tools.
//
// A Registry holds typed tools whose input schemas are generated from their
// input structs. The local backend runs them on behalf of a session:
//
//	reg := tools.NewRegistry()
//	backend := local.New(streamer, store, local.WithTools(reg))
//	ctrl := subctl.NewController(runs, backend, store)
//	tools.RegisterSubagentTools(reg, ctrl)
package tools
