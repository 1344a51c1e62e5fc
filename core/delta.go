package core

// Delta is a partial description of a state change produced by executing
// one graph node. Nodes never mutate DialogueState in place; the
// scheduler applies deltas in the order they are produced and merges them
// deterministically (spec.md §4.2): scalar fields are last-writer-wins
// within a turn, ExecutedSteps sets union, Messages concatenate in order.
type Delta struct {
	// FlowStack, when non-nil, replaces the entire stack. Stack
	// operations (flowstack.go) always produce a full replacement since
	// push/pop/peek reason about the whole stack at once.
	FlowStack    []*FlowContext
	FlowStackSet bool

	// FlowSlotsFlowID + FlowSlots together are merged key by key into one
	// flow's slot map; slots not named in FlowSlots keep their values.
	// A delta only ever touches a single flow's slots; multiple slot
	// writes against different flows require multiple deltas.
	FlowSlotsFlowID string
	FlowSlots       map[string]interface{}

	// ExecutedStepAdd lists step indices to union into a flow's executed
	// set (keyed by flow id).
	ExecutedStepAdd map[string][]int

	// ExecutedStepsClearFlowID + ExecutedStepsClearFrom, when
	// ExecutedStepsClearSet, un-mark every executed-step index at or past
	// ExecutedStepsClearFrom for that flow. This is how a correction/
	// modification rewind (dispatcher.go's applyRewind) makes the steps
	// between the rewind target and wherever the cursor had reached
	// eligible to run again, instead of having runNodes's IsExecuted
	// fast-forward skip straight over them.
	ExecutedStepsClearFlowID string
	ExecutedStepsClearFrom   int
	ExecutedStepsClearSet    bool

	// PendingTask, when PendingTaskSet is true, replaces the pending
	// task (nil clears it). applyDelta does not count suspensions; a turn
	// stays at one suspension (spec.md invariant P1) because runNodes
	// returns at the first node that suspends.
	PendingTask    *PendingTask
	PendingTaskSet bool

	// Message, if non-nil, is appended to the trailing message window.
	Message *Turn

	// BranchTarget mirrors spec.md's `_branch_target`: the step a branch
	// or while-guard node selected, consumed by the step manager to
	// override sequential fall-through.
	BranchTarget string

	// LastResponse, if LastResponseSet, replaces the turn's emitted
	// response text (precedence rule in scheduler.go).
	LastResponse    string
	LastResponseSet bool

	// Metadata entries are merged (last-writer-wins per key) into the
	// state's Metadata scratchpad.
	Metadata map[string]interface{}

	// PruneFlowID, if non-empty, removes that flow's slot map and
	// executed-step set — applied on flow completion/cancellation
	// (invariant I4).
	PruneFlowID string
}

// mergeResult describes the outcome of merging a sequence of deltas
// within one turn. The scheduler does not use it; "at most one suspension
// per turn" (P1) follows from runNodes returning at the first suspension.
type mergeResult struct {
	state           *DialogueState
	suspended       bool
	suspensionCount int
}

// applyDelta merges one delta into a working copy of the state,
// returning the new state. The caller is expected to start from a
// cloned state and thread the result through successive deltas in
// production order.
func applyDelta(s *DialogueState, d Delta) *DialogueState {
	if d.FlowStackSet {
		s.FlowStack = d.FlowStack
	}
	if d.FlowSlotsFlowID != "" && d.FlowSlots != nil {
		dst := s.Slots(d.FlowSlotsFlowID)
		for k, v := range d.FlowSlots {
			dst[k] = v
		}
	}
	for flowID, indices := range d.ExecutedStepAdd {
		if s.ExecutedSteps[flowID] == nil {
			s.ExecutedSteps[flowID] = make(map[int]bool)
		}
		for _, idx := range indices {
			s.ExecutedSteps[flowID][idx] = true
		}
	}
	if d.ExecutedStepsClearSet {
		for idx := range s.ExecutedSteps[d.ExecutedStepsClearFlowID] {
			if idx >= d.ExecutedStepsClearFrom {
				delete(s.ExecutedSteps[d.ExecutedStepsClearFlowID], idx)
			}
		}
	}
	if d.PendingTaskSet {
		s.PendingTask = d.PendingTask
	}
	if d.Message != nil {
		s.appendMessage(*d.Message)
	}
	if d.LastResponseSet {
		s.LastResponse = d.LastResponse
	}
	for k, v := range d.Metadata {
		s.Metadata[k] = v
	}
	if d.PruneFlowID != "" {
		s.clearExecutedAndSlots(d.PruneFlowID)
	}
	return s
}

// clearExecutedAndSlots prunes a flow's executed-step set and slot map,
// used on flow completion/cancellation per invariant I4 and the flow
// manager's pop semantics (flowstack.go).
func (s *DialogueState) clearExecutedAndSlots(flowID string) {
	delete(s.ExecutedSteps, flowID)
	delete(s.FlowSlots, flowID)
}
