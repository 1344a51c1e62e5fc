package core

import "context"

// NLUProvider is the external collaborator responsible for turning a raw
// user utterance into a structured NLUInterpretation, given enough
// dialogue context to disambiguate corrections, digressions, and
// confirmations. It is supplied by the caller; the engine ships no
// built-in implementation (spec.md §6 Non-goals).
type NLUProvider interface {
	Interpret(ctx context.Context, req NLURequest) (*NLUInterpretation, error)
}

// NLURequest is the context passed to the NLU provider for one turn.
type NLURequest struct {
	Utterance    string
	ActiveFlow   string
	PendingTask  *PendingTask
	ActiveSlots  map[string]interface{}
	History      []Turn
	KnownFlows   []string
	KnownActions []string
}

// NLUProviderFunc adapts a plain function to NLUProvider, mirroring the
// functional-adapter pattern teleflow uses for its handler registrations.
type NLUProviderFunc func(ctx context.Context, req NLURequest) (*NLUInterpretation, error)

func (f NLUProviderFunc) Interpret(ctx context.Context, req NLURequest) (*NLUInterpretation, error) {
	return f(ctx, req)
}
