package core

// StepType discriminates the step sum type. Every concrete step variant
// below reports one of these from Type().
type StepType string

const (
	StepTypeSay     StepType = "say"
	StepTypeCollect StepType = "collect"
	StepTypeAction  StepType = "action"
	StepTypeSet     StepType = "set"
	StepTypeBranch  StepType = "branch"
	StepTypeWhile   StepType = "while"
	StepTypeConfirm StepType = "confirm"
	StepTypeLink    StepType = "link"
	StepTypeCall    StepType = "call"
)

// Step is the common interface implemented by every step variant. Rather
// than one wide struct with every field optional (which silently tolerates
// "forgot the message field" bugs), each variant is its own type carrying
// only the fields that make sense for it; required-field checks live in
// config.go's per-variant validation.
type Step interface {
	StepName() string
	Type() StepType
	// JumpOverride returns the explicit jump_to target for this step, or
	// "" if the step falls through to its sequential successor.
	JumpOverride() string
}

// base carries the fields common to every step variant.
type base struct {
	Name string
	Jump string
}

func (b base) StepName() string     { return b.Name }
func (b base) JumpOverride() string { return b.Jump }

// SayStep emits an interpolated message as a response fragment and
// advances the cursor unconditionally.
type SayStep struct {
	base
	Message string
}

func (SayStep) Type() StepType { return StepTypeSay }

// CollectStep fills a single named slot from the user's utterance. If the
// slot is already set (or the current turn's interpretation fills it), the
// step is complete; otherwise it suspends with a collect PendingTask.
type CollectStep struct {
	base
	Slot              string
	Prompt            string
	Validator         string // name of a registered validator, or "".
	ValidationMessage string
}

func (CollectStep) Type() StepType { return StepTypeCollect }

// ActionStep invokes a registered external action handler exactly once per
// flow lifetime (idempotence key: flow_id + step index), mapping its
// outputs into slots.
type ActionStep struct {
	base
	Call       string
	MapOutputs map[string]string // output key -> slot name
}

func (ActionStep) Type() StepType { return StepTypeAction }

// SetStep assigns a computed value to a slot. The expression is evaluated
// against the active flow's slot map; a set step is always immediately
// complete once executed.
type SetStep struct {
	base
	Slot       string
	Expression string
}

func (SetStep) Type() StepType { return StepTypeSet }

// BranchStep evaluates an expression and selects the matching case's
// target step, falling back to Default if no case matches. It never falls
// through to a sequential successor.
type BranchStep struct {
	base
	Evaluate string
	Cases    map[string]string // evaluated value -> target step name
	Default  string
}

func (BranchStep) Type() StepType { return StepTypeBranch }

// WhileStep is a source-level construct only: the compiler desugars it
// into a synthetic guard BranchStep, the body's steps, and an
// unconditional jump back to the guard (see compiler.go). It never
// survives into a compiled Graph.
type WhileStep struct {
	base
	Condition string
	Do        []string // body step names, source order
	ExitTo    string
}

func (WhileStep) Type() StepType { return StepTypeWhile }

// ConfirmStep drives a yes/no confirmation. Its state machine lives in
// confirm.go; OnConfirm/OnDeny name the steps to jump to once the user's
// reply is resolved.
type ConfirmStep struct {
	base
	Slot      string // optional: slot whose value the confirm message may reference
	Message   string
	OnConfirm string
	OnDeny    string
}

func (ConfirmStep) Type() StepType { return StepTypeConfirm }

// LinkStep pops the current flow as completed and pushes the named flow in
// its place (a tail-transfer, not a digression: there is no return).
type LinkStep struct {
	base
	Flow string
}

func (LinkStep) Type() StepType { return StepTypeLink }

// CallStep pushes the named flow with the given inputs; when the child
// flow completes, its outputs are mapped back into the caller's slots and
// the caller resumes at its successor step.
type CallStep struct {
	base
	Flow       string
	Inputs     map[string]string // caller slot/literal -> child input name
	MapOutputs map[string]string // child output key -> caller slot name
}

func (CallStep) Type() StepType { return StepTypeCall }
