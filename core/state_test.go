package core

import "testing"

func TestNewDialogueState_Defaults(t *testing.T) {
	s := NewDialogueState("sess-1", DefaultSettings())
	if s.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q, want sess-1", s.SessionID)
	}
	if s.ActiveFlow() != nil {
		t.Fatalf("ActiveFlow() on a fresh state should be nil")
	}
	if s.HistoryWindow != 10 {
		t.Fatalf("HistoryWindow = %d, want 10", s.HistoryWindow)
	}
}

func TestDialogueState_Slots_CreatesOnFirstAccess(t *testing.T) {
	s := NewDialogueState("sess-1", DefaultSettings())
	slots := s.Slots("flow-a")
	slots["x"] = 1
	if s.FlowSlots["flow-a"]["x"] != 1 {
		t.Fatalf("Slots() did not install the map it returned")
	}
}

func TestDialogueState_IsExecuted(t *testing.T) {
	s := NewDialogueState("sess-1", DefaultSettings())
	if s.IsExecuted("flow-a", 0) {
		t.Fatalf("fresh state should report no executed steps")
	}
	s.ExecutedSteps["flow-a"] = map[int]bool{0: true}
	if !s.IsExecuted("flow-a", 0) {
		t.Fatalf("expected step 0 to be executed")
	}
	if s.IsExecuted("flow-a", 1) {
		t.Fatalf("step 1 was never marked executed")
	}
}

func TestDialogueState_Clone_Independence(t *testing.T) {
	s := NewDialogueState("sess-1", DefaultSettings())
	s.FlowStack = append(s.FlowStack, &FlowContext{FlowID: "f1", FlowName: "book", ReturnMap: map[string]string{"out": "slot"}})
	s.Slots("f1")["amount"] = 10

	cp := s.clone()
	cp.Slots("f1")["amount"] = 99
	cp.FlowStack[0].ReturnMap["out"] = "changed"
	cp.FlowStack[0].FlowName = "renamed"

	if s.FlowSlots["f1"]["amount"] != 10 {
		t.Fatalf("mutating the clone's slots leaked into the original")
	}
	if s.FlowStack[0].ReturnMap["out"] != "slot" {
		t.Fatalf("mutating the clone's FlowContext.ReturnMap leaked into the original")
	}
	if s.FlowStack[0].FlowName != "book" {
		t.Fatalf("mutating the clone's FlowContext leaked into the original")
	}
}

func TestDialogueState_AppendMessage_TrimsWindow(t *testing.T) {
	settings := DefaultSettings()
	settings.HistoryWindow = 2
	s := NewDialogueState("sess-1", settings)

	s.appendMessage(Turn{Role: "user", Text: "one"})
	s.appendMessage(Turn{Role: "assistant", Text: "two"})
	s.appendMessage(Turn{Role: "user", Text: "three"})

	if len(s.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(s.Messages))
	}
	if s.Messages[0].Text != "two" || s.Messages[1].Text != "three" {
		t.Fatalf("expected the window to keep the two most recent turns, got %+v", s.Messages)
	}
}

func TestDialogueState_RecordCompletedFlow_TrimsToMax(t *testing.T) {
	s := NewDialogueState("sess-1", DefaultSettings())
	s.MaxCompleted = 1
	s.recordCompletedFlow(CompletedFlowRecord{FlowName: "a", Result: FlowCompleted})
	s.recordCompletedFlow(CompletedFlowRecord{FlowName: "b", Result: FlowCompleted})

	if len(s.CompletedFlows) != 1 {
		t.Fatalf("len(CompletedFlows) = %d, want 1", len(s.CompletedFlows))
	}
	if s.CompletedFlows[0].FlowName != "b" {
		t.Fatalf("expected only the most recent completed-flow record to survive, got %+v", s.CompletedFlows)
	}
}
