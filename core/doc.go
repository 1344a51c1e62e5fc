// Package core implements the dialogrun flow engine: a compiler that turns a
// declarative YAML flow specification into an executable step graph, a
// scheduler that advances that graph one user turn at a time with
// suspension/resumption at human-input points, a flow stack supporting
// digressions and nested invocations, and a pattern dispatcher that
// reconciles natural-language interpretations with the step currently
// executing.
//
// The package offers:
//   - A declarative flow specification (YAML) compiled into a node graph
//   - Per-session dialogue state with value-semantics deltas
//   - Suspension modeled as a checkpointable state property, not a coroutine
//   - A closed set of dialogue commands (slot fill, correction, digression,
//     cancellation, confirmation, ...) dispatched against that state
//   - Pluggable NLU, action, normalization, and checkpoint backends
//
// Basic usage:
//
//	spec, err := core.ParseSpecFile("flows.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	actions := core.NewActionRegistry()
//	actions.Register("book_flight", myActionHandler)
//
//	eng, err := core.NewEngine(spec, myNLUProvider, actions, nil,
//		core.WithCheckpointStore(myStore),
//		core.WithMiddleware(core.LoggingMiddleware(logrus.StandardLogger())),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	resp, err := eng.HandleTurn(ctx, "session-42", "I want to fly from Madrid to Barcelona")
//
// # Flow specification
//
// Flows are authored in YAML (see config.go) as an ordered list of typed
// steps: say, collect, action, set, branch, while, confirm, link, call.
// The compiler (compiler.go) desugars while-loops into guard/body/jump-back
// nodes and validates that every jump target resolves before the graph is
// handed to the scheduler.
//
// # Suspension
//
// A turn suspends by setting a PendingTask on the dialogue state rather than
// by parking a goroutine or preserving a call stack. This is what lets a
// conversation survive a process restart: the next turn simply reloads the
// checkpoint and continues from the PendingTask.
package core
