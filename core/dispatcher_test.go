package core

import "testing"

func TestDispatcher_SlotMergeAppliesRegardlessOfMessageType(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{
		MessageType: MsgContinuation,
		Slots:       []SlotValue{{Name: "dest", Value: "Rome", Action: SlotProvide}},
	}

	res := d.dispatch(s, active, nlu)
	if res.Delta.FlowSlotsFlowID != "f1" || res.Delta.FlowSlots["dest"] != "Rome" {
		t.Fatalf("expected the slot to be merged regardless of message type, got %+v", res.Delta)
	}
	if res.PushFlow != "" || res.Cancel || res.CancelAll || res.Suspend {
		t.Fatalf("a plain continuation must not trigger any stack operation")
	}
}

func TestDispatcher_NilNLUProducesEmptyResult(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	res := d.dispatch(s, nil, nil)
	if res.Delta != nil || res.PushFlow != "" {
		t.Fatalf("expected a no-op result for a nil interpretation")
	}
}

func TestDispatcher_DigressionPushesNamedFlowWithSlotInputs(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{
		MessageType: MsgDigression,
		Command:     "check_weather",
		Slots:       []SlotValue{{Name: "city", Value: "Oslo"}},
	}

	res := d.dispatch(s, active, nlu)
	if res.PushFlow != "check_weather" {
		t.Fatalf("PushFlow = %q, want check_weather", res.PushFlow)
	}
	if res.PushInputs["city"] != "Oslo" {
		t.Fatalf("expected the extracted slot to seed PushInputs, got %+v", res.PushInputs)
	}
}

func TestDispatcher_CancellationPopsActiveFlow(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{MessageType: MsgCancellation}

	res := d.dispatch(s, active, nlu)
	if !res.Cancel {
		t.Fatalf("expected Cancel to be set")
	}
	if res.CancelAll {
		t.Fatalf("a plain cancellation should not unwind the whole stack")
	}
}

func TestDispatcher_HandoffUnwindsWholeStackAndSuspends(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{MessageType: MsgHandoff}

	res := d.dispatch(s, active, nlu)
	if !res.CancelAll || !res.Suspend {
		t.Fatalf("expected a handoff to cancel the whole stack and suspend, got %+v", res)
	}
	if res.Delta.Metadata["_handoff_requested"] != true {
		t.Fatalf("expected a handoff marker in metadata")
	}
}

func TestDispatcher_ClarificationRepeatsPendingPromptAndSuspends(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	s.PendingTask = &PendingTask{Kind: TaskCollect, Prompt: "What city?"}
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{MessageType: MsgClarification}

	res := d.dispatch(s, active, nlu)
	if !res.Suspend {
		t.Fatalf("expected a clarification reply to suspend the turn")
	}
	if res.Delta.LastResponse == "" {
		t.Fatalf("expected a re-prompt response to be set")
	}
}

func TestDispatcher_ChitchatRepeatsPromptWithoutStackChange(t *testing.T) {
	d := newDispatcher(newResponseRenderer(), nil, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	s.PendingTask = &PendingTask{Kind: TaskCollect, Prompt: "What city?"}
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{MessageType: MsgChitchat}

	res := d.dispatch(s, active, nlu)
	if !res.Suspend {
		t.Fatalf("expected chitchat to suspend the turn")
	}
	if res.PushFlow != "" || res.Cancel || res.CancelAll {
		t.Fatalf("chitchat must not trigger any stack operation")
	}
}

// bookingGraphs compiles a two-slot booking flow (collect_origin ->
// collect_destination -> confirm) for the correction/modification rewind
// tests below.
func bookingGraphs(t *testing.T) map[string]*Graph {
	t.Helper()
	fs := flow("book",
		&CollectStep{base: base{Name: "collect_origin"}, Slot: "origin", Prompt: "Where from?"},
		&CollectStep{base: base{Name: "collect_destination"}, Slot: "destination", Prompt: "Where to?"},
		&ConfirmStep{base: base{Name: "confirm"}, Message: "Book it?", OnConfirm: "done", OnDeny: "done"},
		&SayStep{base: base{Name: "done"}, Message: "done"},
	)
	g, err := Compile(fs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return map[string]*Graph{"book": g}
}

func TestDispatcher_CorrectionRewindsCursorToEarliestOwningStep(t *testing.T) {
	// spec.md E2E scenario 3: after filling origin then destination, a
	// correction to origin rewinds the cursor back to collect_origin and
	// re-opens collect_destination for re-execution.
	graphs := bookingGraphs(t)
	d := newDispatcher(newResponseRenderer(), graphs, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	s.ExecutedSteps["f1"] = map[int]bool{0: true, 1: true}
	active := &FlowContext{FlowID: "f1", FlowName: "book", CurrentStep: "confirm"}
	s.FlowStack = []*FlowContext{active}
	nlu := &NLUInterpretation{
		MessageType: MsgCorrection,
		Slots:       []SlotValue{{Name: "origin", Value: "Denver", Action: SlotCorrect}},
	}

	res := d.dispatch(s, active, nlu)
	if !res.Delta.FlowStackSet {
		t.Fatalf("expected a rewind to set FlowStack")
	}
	rewound := res.Delta.FlowStack[len(res.Delta.FlowStack)-1]
	if rewound.CurrentStep != "collect_origin" {
		t.Fatalf("CurrentStep = %q, want collect_origin", rewound.CurrentStep)
	}
	if !res.Delta.ExecutedStepsClearSet || res.Delta.ExecutedStepsClearFlowID != "f1" || res.Delta.ExecutedStepsClearFrom != 0 {
		t.Fatalf("expected executed steps to clear from index 0 for f1, got %+v", res.Delta)
	}
	if res.Delta.LastResponse == "" {
		t.Fatalf("expected an acknowledgement response to be rendered")
	}
	if res.Delta.FlowSlots["origin"] != "Denver" {
		t.Fatalf("expected the corrected value to still be merged, got %+v", res.Delta.FlowSlots)
	}
}

func TestDispatcher_ModificationDoesNotRewindWhenSlotIsDownstream(t *testing.T) {
	// destination's owning step (index 1) hasn't executed yet, so it is
	// still downstream of the active confirm step: a modification there
	// must not move the cursor backward.
	graphs := bookingGraphs(t)
	d := newDispatcher(newResponseRenderer(), graphs, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	s.ExecutedSteps["f1"] = map[int]bool{0: true}
	active := &FlowContext{FlowID: "f1", FlowName: "book", CurrentStep: "confirm"}
	s.FlowStack = []*FlowContext{active}
	nlu := &NLUInterpretation{
		MessageType: MsgModification,
		Slots:       []SlotValue{{Name: "destination", Value: "Oslo", Action: SlotModify}},
	}

	res := d.dispatch(s, active, nlu)
	if res.Delta.FlowStackSet {
		t.Fatalf("a downstream modification must not rewind the cursor, got %+v", res.Delta.FlowStack)
	}
	if res.Delta.ExecutedStepsClearSet {
		t.Fatalf("a downstream modification must not clear any executed steps")
	}
	if res.Delta.FlowSlots["destination"] != "Oslo" {
		t.Fatalf("expected the modified value to still be merged, got %+v", res.Delta.FlowSlots)
	}
}

func TestDispatcher_ModificationRewindsWhenSlotAlreadyExecuted(t *testing.T) {
	// destination's owning step has already run, so it is not downstream:
	// a modification there rewinds exactly like a correction would.
	graphs := bookingGraphs(t)
	d := newDispatcher(newResponseRenderer(), graphs, nil)
	s := NewDialogueState("sess-1", DefaultSettings())
	s.ExecutedSteps["f1"] = map[int]bool{0: true, 1: true}
	active := &FlowContext{FlowID: "f1", FlowName: "book", CurrentStep: "confirm"}
	s.FlowStack = []*FlowContext{active}
	nlu := &NLUInterpretation{
		MessageType: MsgModification,
		Slots:       []SlotValue{{Name: "destination", Value: "Oslo", Action: SlotModify}},
	}

	res := d.dispatch(s, active, nlu)
	rewound := res.Delta.FlowStack[len(res.Delta.FlowStack)-1]
	if !res.Delta.FlowStackSet || rewound.CurrentStep != "collect_destination" {
		t.Fatalf("expected a rewind to collect_destination, got %+v", res.Delta)
	}
	if res.Delta.ExecutedStepsClearFrom != 1 {
		t.Fatalf("ExecutedStepsClearFrom = %d, want 1", res.Delta.ExecutedStepsClearFrom)
	}
}

func TestDispatcher_ResponseTemplateOverridesDefaultHandoffText(t *testing.T) {
	responses := map[string]string{"handoff": "Connecting you with {{.Flow}} support now."}
	d := newDispatcher(newResponseRenderer(), nil, responses)
	s := NewDialogueState("sess-1", DefaultSettings())
	active := &FlowContext{FlowID: "f1", FlowName: "book"}
	nlu := &NLUInterpretation{MessageType: MsgHandoff}

	res := d.dispatch(s, active, nlu)
	if res.Delta.LastResponse != "Connecting you with book support now." {
		t.Fatalf("LastResponse = %q, want the rendered configured template", res.Delta.LastResponse)
	}
}
