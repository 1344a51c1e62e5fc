package core

import "time"

// FlowRunState is the lifecycle state of a FlowContext.
type FlowRunState string

const (
	FlowActive    FlowRunState = "active"
	FlowPaused    FlowRunState = "paused"
	FlowCompleted FlowRunState = "completed"
	FlowCancelled FlowRunState = "cancelled"
	FlowErrored   FlowRunState = "error"
)

// FlowContext is a live instance of a flow on the stack (spec.md §3).
// Flow contexts refer to each other only by stack position; there are no
// cross-references, so a popped context can be pruned outright with no
// dangling ownership.
type FlowContext struct {
	FlowID      string
	FlowName    string
	State       FlowRunState
	CurrentStep string // name of the step the flow is parked on
	StartedAt   time.Time
	PausedAt    *time.Time
	CompletedAt *time.Time
	// Inputs holds the values a call/digression was pushed with, kept
	// separate from FlowSlots so a child flow's inputs are visible even
	// before its first set/collect step runs.
	Inputs map[string]interface{}
	// ReturnMap, when non-nil, names the child-output-key -> parent-slot
	// mapping a CallStep registered when it pushed this flow. A LinkStep
	// tail-transfers it forward onto whatever it pushes in its place, so
	// the obligation to report back to the original caller survives a
	// chain of links (see flowManager.pop / runNodes's link handling in
	// scheduler.go).
	ReturnMap map[string]string
}

func (fc *FlowContext) clone() *FlowContext {
	cp := *fc
	if fc.Inputs != nil {
		cp.Inputs = make(map[string]interface{}, len(fc.Inputs))
		for k, v := range fc.Inputs {
			cp.Inputs[k] = v
		}
	}
	if fc.ReturnMap != nil {
		cp.ReturnMap = make(map[string]string, len(fc.ReturnMap))
		for k, v := range fc.ReturnMap {
			cp.ReturnMap[k] = v
		}
	}
	if fc.PausedAt != nil {
		t := *fc.PausedAt
		cp.PausedAt = &t
	}
	if fc.CompletedAt != nil {
		t := *fc.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// PendingTaskKind discriminates the single out-of-band "I need input from
// the user" record a dialogue state may carry.
type PendingTaskKind string

const (
	TaskCollect PendingTaskKind = "collect"
	TaskConfirm PendingTaskKind = "confirm"
	TaskInform  PendingTaskKind = "inform"
)

// PendingTask is present iff the previous turn ended at a suspension
// point (spec.md invariant I3). It is cleared by the step that consumes
// the user's reply to it (a filled collect step or a resolved confirm
// step), or when the flow that set it is cancelled.
type PendingTask struct {
	Kind    PendingTaskKind
	Slot    string   // set for TaskCollect
	Prompt  string   // rendered prompt text
	Options []string // optional hint list (e.g. confirm yes/no wording)
	Wait    bool     // set for TaskInform: whether the inform blocks for an ack
}

// SlotAction records how an NLU-extracted slot value relates to any prior
// value the flow already held for that slot.
type SlotAction string

const (
	SlotProvide SlotAction = "provide"
	SlotCorrect SlotAction = "correct"
	SlotModify  SlotAction = "modify"
)

// SlotValue is one slot extraction from an NLU interpretation.
type SlotValue struct {
	Name       string
	Value      interface{}
	Action     SlotAction
	Confidence float64
}

// MessageType is the closed set of dialogue commands the pattern
// dispatcher (dispatcher.go) recognizes.
type MessageType string

const (
	MsgSlotValue     MessageType = "slot_value"
	MsgCorrection    MessageType = "correction"
	MsgModification  MessageType = "modification"
	MsgInterruption  MessageType = "interruption"
	MsgDigression    MessageType = "digression"
	MsgClarification MessageType = "clarification"
	MsgCancellation  MessageType = "cancellation"
	MsgConfirmation  MessageType = "confirmation"
	MsgContinuation  MessageType = "continuation"
	MsgHandoff       MessageType = "handoff"
	MsgChitchat      MessageType = "chitchat"
)

// NLUInterpretation is the structured result the external NLU provider
// returns for one utterance, given the current dialogue context.
type NLUInterpretation struct {
	MessageType       MessageType
	Command           string // target flow/action name for interruption/digression
	Slots             []SlotValue
	ConfirmationValue *bool // true/false/nil ("unclear")
	Confidence         float64
	Reasoning          string
}

// Turn is one recorded user/assistant exchange, kept in the bounded
// trailing Messages window.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
	At   time.Time
}

// CompletedFlowRecord is a bounded history entry recorded when a flow
// terminates, independent of its pruned slots/executed_steps. This is the
// "bounded completed-flows log" spec.md §3 Lifecycle mentions as
// optional; SPEC_FULL.md makes it concrete.
type CompletedFlowRecord struct {
	FlowName string
	Result   FlowRunState // FlowCompleted, FlowCancelled, or FlowErrored
	Started  time.Time
	Ended    time.Time
}

// DialogueState is the full per-session state, checkpointed between
// turns (spec.md §3).
type DialogueState struct {
	SessionID      string
	FlowStack      []*FlowContext
	FlowSlots      map[string]map[string]interface{} // flow_id -> slot name -> value
	ExecutedSteps  map[string]map[int]bool           // flow_id -> set of step indices
	PendingTask    *PendingTask
	LastNLU        *NLUInterpretation
	Messages       []Turn
	Metadata       map[string]interface{} // scratchpad carried across turns (e.g. confirm attempt counters), keys starting "_" never user-visible
	TurnCount      int
	LastResponse   string
	CompletedFlows []CompletedFlowRecord
	HistoryWindow  int // bound applied to Messages; copied from Settings at session creation
	MaxCompleted   int // bound applied to CompletedFlows
}

// NewDialogueState returns a freshly initialized state for a new session.
func NewDialogueState(sessionID string, settings Settings) *DialogueState {
	return &DialogueState{
		SessionID:     sessionID,
		FlowSlots:     make(map[string]map[string]interface{}),
		ExecutedSteps: make(map[string]map[int]bool),
		Metadata:      make(map[string]interface{}),
		HistoryWindow: settings.HistoryWindow,
		MaxCompleted:  20,
	}
}

// ActiveFlow returns the flow context at the top of the stack, or nil if
// the stack is empty. Invariant I2: at most one stack entry is ever
// "active"; by construction that entry is always the last one.
func (s *DialogueState) ActiveFlow() *FlowContext {
	if len(s.FlowStack) == 0 {
		return nil
	}
	return s.FlowStack[len(s.FlowStack)-1]
}

// Slots returns the slot map for the given flow id, creating an empty one
// on first access so callers never need a nil check.
func (s *DialogueState) Slots(flowID string) map[string]interface{} {
	if s.FlowSlots[flowID] == nil {
		s.FlowSlots[flowID] = make(map[string]interface{})
	}
	return s.FlowSlots[flowID]
}

// IsExecuted reports whether a step index has already run for a flow —
// the idempotence key described in spec.md §9 ("Idempotence without a
// journal").
func (s *DialogueState) IsExecuted(flowID string, index int) bool {
	return s.ExecutedSteps[flowID] != nil && s.ExecutedSteps[flowID][index]
}

// clone performs a deep-enough copy for delta application: the scheduler
// never mutates the checkpointed state in place, it builds a new one from
// merged deltas (spec.md §4.2).
func (s *DialogueState) clone() *DialogueState {
	cp := &DialogueState{
		SessionID:     s.SessionID,
		FlowSlots:     make(map[string]map[string]interface{}, len(s.FlowSlots)),
		ExecutedSteps: make(map[string]map[int]bool, len(s.ExecutedSteps)),
		Metadata:      make(map[string]interface{}, len(s.Metadata)),
		TurnCount:     s.TurnCount,
		LastResponse:  s.LastResponse,
		HistoryWindow: s.HistoryWindow,
		MaxCompleted:  s.MaxCompleted,
	}
	for _, fc := range s.FlowStack {
		cp.FlowStack = append(cp.FlowStack, fc.clone())
	}
	for flowID, slots := range s.FlowSlots {
		m := make(map[string]interface{}, len(slots))
		for k, v := range slots {
			m[k] = v
		}
		cp.FlowSlots[flowID] = m
	}
	for flowID, idx := range s.ExecutedSteps {
		m := make(map[int]bool, len(idx))
		for k, v := range idx {
			m[k] = v
		}
		cp.ExecutedSteps[flowID] = m
	}
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	cp.Messages = append(cp.Messages, s.Messages...)
	cp.CompletedFlows = append(cp.CompletedFlows, s.CompletedFlows...)
	if s.PendingTask != nil {
		pt := *s.PendingTask
		cp.PendingTask = &pt
	}
	if s.LastNLU != nil {
		nlu := *s.LastNLU
		cp.LastNLU = &nlu
	}
	return cp
}

// appendMessage appends a turn and trims Messages to the configured
// window (spec.md invariant I6).
func (s *DialogueState) appendMessage(t Turn) {
	s.Messages = append(s.Messages, t)
	window := s.HistoryWindow
	if window <= 0 {
		window = 10
	}
	if len(s.Messages) > window {
		s.Messages = s.Messages[len(s.Messages)-window:]
	}
}

// recordCompletedFlow appends a completed-flow record and trims to
// MaxCompleted, the bounded completed-flows log from SPEC_FULL.md.
func (s *DialogueState) recordCompletedFlow(rec CompletedFlowRecord) {
	s.CompletedFlows = append(s.CompletedFlows, rec)
	max := s.MaxCompleted
	if max <= 0 {
		max = 20
	}
	if len(s.CompletedFlows) > max {
		s.CompletedFlows = s.CompletedFlows[len(s.CompletedFlows)-max:]
	}
}
