package core

// dispatchResult is what dispatching one NLU interpretation produces: a
// Delta to merge immediately, plus at most one stack operation for the
// scheduler to perform before (or instead of) resuming normal node
// execution.
type dispatchResult struct {
	Delta *Delta

	PushFlow   string
	PushInputs map[string]interface{}

	Cancel    bool // pop the active flow as cancelled
	CancelAll bool // unwind the entire stack (handoff)

	// Suspend reports that this dispatch result alone ends the turn — a
	// clarification or chitchat reply, or a handoff acknowledgement —
	// without ever entering the graph node loop.
	Suspend bool
}

// dispatcher implements C6: it turns one NLUInterpretation into the first
// delta(s) of a turn, keyed by MessageType (spec.md §4.6's pattern-dispatch
// table). Slot extraction is message-type-agnostic: any interpretation
// that carries slot values gets them merged into the active flow, since
// P2 (multi-slot fill) applies regardless of how the utterance was
// classified.
type dispatcher struct {
	renderer  *responseRenderer
	graphs    map[string]*Graph
	responses map[string]string
}

func newDispatcher(renderer *responseRenderer, graphs map[string]*Graph, responses map[string]string) *dispatcher {
	return &dispatcher{renderer: renderer, graphs: graphs, responses: responses}
}

func (d *dispatcher) dispatch(s *DialogueState, active *FlowContext, nlu *NLUInterpretation) *dispatchResult {
	if nlu == nil {
		return &dispatchResult{}
	}

	delta := &Delta{}
	if active != nil && len(nlu.Slots) > 0 {
		vals := make(map[string]interface{}, len(nlu.Slots))
		for _, sv := range nlu.Slots {
			vals[sv.Name] = sv.Value
		}
		delta.FlowSlotsFlowID = active.FlowID
		delta.FlowSlots = vals
	}

	switch nlu.MessageType {
	case MsgInterruption, MsgDigression:
		return &dispatchResult{Delta: delta, PushFlow: nlu.Command, PushInputs: slotValuesAsInputs(nlu)}

	case MsgCancellation:
		return &dispatchResult{Delta: delta, Cancel: true}

	case MsgHandoff:
		text := d.response(s, active, "handoff", "Let me connect you with a human agent.")
		delta.Metadata = map[string]interface{}{"_handoff_requested": true}
		delta.Message = &Turn{Role: "assistant", Text: text}
		delta.LastResponse, delta.LastResponseSet = text, true
		return &dispatchResult{Delta: delta, CancelAll: true, Suspend: true}

	case MsgClarification:
		text := d.response(s, active, "clarification", "Sure — "+currentPromptText(s))
		delta.Message = &Turn{Role: "assistant", Text: text}
		delta.LastResponse, delta.LastResponseSet = text, true
		return &dispatchResult{Delta: delta, Suspend: true}

	case MsgChitchat:
		text := d.response(s, active, "chitchat", currentPromptText(s))
		delta.Message = &Turn{Role: "assistant", Text: text}
		delta.LastResponse, delta.LastResponseSet = text, true
		return &dispatchResult{Delta: delta, Suspend: true}

	default:
		// slot_value, correction, modification, confirmation, continuation.
		// A correction/modification flag lives per-slot (spec.md §4.6's
		// ordering note: slot-level flags override the blanket
		// message_type), so the rewind check below reads nlu.Slots
		// directly rather than switching on nlu.MessageType.
		d.applyRewind(s, active, nlu, delta)
		return &dispatchResult{Delta: delta}
	}
}

// applyRewind implements the correction/modification dispatch-table entry
// (spec.md §4.6, E2E scenario 3): a corrected slot always rewinds the
// cursor back to the earliest collect step that owns it, regardless of
// whether that step already ran; a modified slot only rewinds if that step
// already ran — if the step is still downstream (not yet executed), the
// user stays where they are and the freshly-merged slot value is simply
// picked up when execution reaches it. When a single utterance corrects or
// modifies more than one slot, the earliest (lowest step index) of the
// resulting targets wins — the deterministic rule spec.md leaves as an
// open question.
func (d *dispatcher) applyRewind(s *DialogueState, active *FlowContext, nlu *NLUInterpretation, delta *Delta) {
	if active == nil {
		return
	}
	g, ok := d.graphs[active.FlowName]
	if !ok {
		return
	}

	var target *Node
	var isCorrection bool
	for _, sv := range nlu.Slots {
		if sv.Action != SlotCorrect && sv.Action != SlotModify {
			continue
		}
		node, ok := earliestCollectNode(g, sv.Name)
		if !ok {
			continue
		}
		if sv.Action == SlotModify && !s.IsExecuted(active.FlowID, node.Index) {
			continue // downstream: leave the cursor where it is
		}
		if target == nil || node.Index < target.Index {
			target = node
			isCorrection = sv.Action == SlotCorrect
		}
	}
	if target == nil {
		return
	}

	stack := append([]*FlowContext(nil), s.FlowStack...)
	top := stack[len(stack)-1].clone()
	top.CurrentStep = target.Step.StepName()
	stack[len(stack)-1] = top
	delta.FlowStack, delta.FlowStackSet = stack, true

	delta.ExecutedStepsClearFlowID = active.FlowID
	delta.ExecutedStepsClearFrom = target.Index
	delta.ExecutedStepsClearSet = true

	key, fallback := "modification", "Got it, I've updated that."
	if isCorrection {
		key, fallback = "correction", "Got it, I've corrected that."
	}
	text := d.response(s, active, key, fallback)
	delta.Message = &Turn{Role: "assistant", Text: text}
	delta.LastResponse, delta.LastResponseSet = text, true
}

// earliestCollectNode returns the first (lowest source-order index) collect
// step in g that owns slot, if any.
func earliestCollectNode(g *Graph, slot string) (*Node, bool) {
	for _, n := range g.ByIndex {
		if cs, ok := n.Step.(*CollectStep); ok && cs.Slot == slot {
			return n, true
		}
	}
	return nil, false
}

// response looks up a configured template under key in the spec's
// top-level responses map and renders it against the active flow's slots;
// absent or empty configuration falls back to fallback unrendered, so a
// deployment that never defines responses: still behaves sensibly.
func (d *dispatcher) response(s *DialogueState, active *FlowContext, key, fallback string) string {
	configured, ok := d.responses[key]
	if !ok || configured == "" {
		return fallback
	}
	flowName := ""
	var slots map[string]interface{}
	if active != nil {
		flowName = active.FlowName
		slots = s.Slots(active.FlowID)
	}
	return d.renderer.render(configured, flowName, slots)
}

// slotValuesAsInputs turns an interpretation's extracted slots into a
// plain map, used to seed a digressed-to flow's Inputs.
func slotValuesAsInputs(nlu *NLUInterpretation) map[string]interface{} {
	if len(nlu.Slots) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(nlu.Slots))
	for _, sv := range nlu.Slots {
		m[sv.Name] = sv.Value
	}
	return m
}

// currentPromptText re-renders the outstanding prompt so a clarification
// or chitchat reply still nudges the user back toward it, rather than
// leaving them without any sense of what's being asked.
func currentPromptText(s *DialogueState) string {
	if s.PendingTask != nil && s.PendingTask.Prompt != "" {
		return s.PendingTask.Prompt
	}
	return "How can I help?"
}
