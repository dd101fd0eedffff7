// Package subctl coordinates the subagent runs spawned by a parent session.
//
// A parent conversation spawns child agent sessions ("subagents") on a remote
// execution backend. subctl resolves the identifiers a human types ("#2",
// "last", a label, a run id prefix) to exactly one run record and carries
// that run through stop, steer and send while the backend is still
// processing it.
//
// # Quick Start
//
//	reg := registry.NewMemory()
//	store := session.NewFileStore()
//	ctrl := subctl.NewController(reg, backend, store,
//	    subctl.WithLogger(logger),
//	)
//	reply := ctrl.Handle(ctx, subctl.Request{
//	    RequesterSessionKey: "agent:main:main",
//	    Text:                "/subagents steer 1 focus on the failing test",
//	})
//	fmt.Println(reply.Text)
//
// # Sub-packages
//
//   - [registry] provides RunRegistry implementations (Memory, SQLite).
//   - [session] provides SessionStore implementations (MemoryStore, FileStore).
//   - [gateway] is a Backend speaking JSON frames over a WebSocket.
//   - [local] is an in-process Backend over the Anthropic Messages API.
//   - [auth] provides Authorizer implementations (sender globs, rego policy).
//   - [tools] exposes the command surface as an agent tool.
//   - [httpapi] exposes the command surface over HTTP.
//
// The subctl command in cmd/subctl wires these together from settings files.
package subctl
