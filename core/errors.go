package core

import "fmt"

// ConfigError reports malformed YAML or a missing required top-level field.
// It is fatal at startup.
type ConfigError struct {
	Step   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error in step %q: %s", e.Step, e.Reason)
}

// ValidationError reports a per-variant violation of a step's required
// fields (e.g. a say step without a message).
type ValidationError struct {
	Step   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in step %q: %s", e.Step, e.Reason)
}

// GraphBuildError reports a step-name reference (jump_to, branch case,
// on_confirm, on_deny, exit_to, link/call target) that does not resolve
// within the flow after compilation.
type GraphBuildError struct {
	Flow   string
	Step   string
	Reason string
}

func (e *GraphBuildError) Error() string {
	return fmt.Sprintf("graph build error in flow %q, step %q: %s", e.Flow, e.Step, e.Reason)
}

// TimeoutError reports that a turn's deadline expired before the node
// execution loop finished. State is left unchanged past the last
// successfully merged delta.
type TimeoutError struct {
	SessionID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("turn timed out for session %q", e.SessionID)
}

// NodeCapError reports that a turn executed more than the configured
// maximum number of graph nodes without reaching a suspension point or
// flow completion. This always indicates a mis-compiled graph and must be
// logged as a defect, never silently swallowed.
type NodeCapError struct {
	SessionID string
	Cap       int
}

func (e *NodeCapError) Error() string {
	return fmt.Sprintf("session %q exceeded node execution cap (%d) in a single turn", e.SessionID, e.Cap)
}

// ActionError wraps a failure returned by an external action handler. The
// action step is not marked executed, and the flow remains parked at the
// action step for a retry on the next turn.
type ActionError struct {
	Flow   string
	Step   string
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q failed at step %q in flow %q: %v", e.Action, e.Step, e.Flow, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// StackOverflowError reports a flow push rejected because the stack was
// already at its configured depth limit under the reject_new strategy.
type StackOverflowError struct {
	FlowName string
	Limit    int
}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("cannot push flow %q: stack depth limit (%d) reached", e.FlowName, e.Limit)
}

// NLUError wraps a failure from the external NLU provider after the
// single configured retry has been exhausted.
type NLUError struct {
	SessionID string
	Err       error
}

func (e *NLUError) Error() string {
	return fmt.Sprintf("NLU failed for session %q: %v", e.SessionID, e.Err)
}

func (e *NLUError) Unwrap() error { return e.Err }
