package core

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestConfirmMachine_PromptsWhenNoPendingTask(t *testing.T) {
	cm := newConfirmMachine(DefaultSettings(), newResponseRenderer())
	s := NewDialogueState("sess-1", DefaultSettings())
	step := &ConfirmStep{base: base{Name: "ask"}, Message: "Proceed?", OnConfirm: "yes_step", OnDeny: "no_step"}

	outcome, delta := cm.evaluate(s, "f1", "book", step, nil, nil)
	if outcome != confirmPromptNeeded {
		t.Fatalf("outcome = %q, want prompt_needed", outcome)
	}
	if delta.PendingTask == nil || delta.PendingTask.Kind != TaskConfirm {
		t.Fatalf("expected a confirm PendingTask to be set")
	}
	if delta.PendingTask.Prompt != "Proceed?" {
		t.Fatalf("Prompt = %q, want %q", delta.PendingTask.Prompt, "Proceed?")
	}
}

func TestConfirmMachine_UnclearRetryIncrementsAttempts(t *testing.T) {
	cm := newConfirmMachine(DefaultSettings(), newResponseRenderer())
	s := NewDialogueState("sess-1", DefaultSettings())
	s.PendingTask = &PendingTask{Kind: TaskConfirm}
	step := &ConfirmStep{base: base{Name: "ask"}, Message: "Proceed?", OnConfirm: "yes_step", OnDeny: "no_step"}

	outcome, delta := cm.evaluate(s, "f1", "book", step, nil, &NLUInterpretation{MessageType: MsgChitchat})
	if outcome != confirmUnclearRetry {
		t.Fatalf("outcome = %q, want unclear_retry", outcome)
	}
	attempts, _ := delta.Metadata[confirmAttemptsKey("f1", "ask")].(int)
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if delta.PendingTask == nil {
		t.Fatalf("expected the retry to re-arm a PendingTask")
	}
}

func TestConfirmMachine_ExhaustsAfterAttemptLimit(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConfirmAttempts = 2
	cm := newConfirmMachine(settings, newResponseRenderer())
	s := NewDialogueState("sess-1", settings)
	s.PendingTask = &PendingTask{Kind: TaskConfirm}
	step := &ConfirmStep{base: base{Name: "ask"}, Message: "Proceed?", OnConfirm: "yes_step", OnDeny: "no_step"}

	s.Metadata[confirmAttemptsKey("f1", "ask")] = 1

	outcome, delta := cm.evaluate(s, "f1", "book", step, nil, nil)
	if outcome != confirmExhausted {
		t.Fatalf("outcome = %q, want exhausted", outcome)
	}
	if delta.PendingTask != nil {
		t.Fatalf("expected the exhausted outcome to clear the PendingTask")
	}
	if delta.Metadata[confirmAttemptsKey("f1", "ask")] != 0 {
		t.Fatalf("expected the attempt counter to reset once exhausted")
	}
}

func TestConfirmMachine_AffirmedBranchesToOnConfirm(t *testing.T) {
	cm := newConfirmMachine(DefaultSettings(), newResponseRenderer())
	s := NewDialogueState("sess-1", DefaultSettings())
	s.PendingTask = &PendingTask{Kind: TaskConfirm}
	step := &ConfirmStep{base: base{Name: "ask"}, Message: "Proceed?", OnConfirm: "yes_step", OnDeny: "no_step"}

	outcome, delta := cm.evaluate(s, "f1", "book", step, nil, &NLUInterpretation{ConfirmationValue: boolPtr(true)})
	if outcome != confirmAffirmed {
		t.Fatalf("outcome = %q, want affirmed", outcome)
	}
	if delta.BranchTarget != "yes_step" {
		t.Fatalf("BranchTarget = %q, want yes_step", delta.BranchTarget)
	}
	if delta.PendingTask != nil {
		t.Fatalf("expected the PendingTask to be cleared once resolved")
	}
}

func TestConfirmMachine_DeniedBranchesToOnDeny(t *testing.T) {
	cm := newConfirmMachine(DefaultSettings(), newResponseRenderer())
	s := NewDialogueState("sess-1", DefaultSettings())
	s.PendingTask = &PendingTask{Kind: TaskConfirm}
	step := &ConfirmStep{base: base{Name: "ask"}, Message: "Proceed?", OnConfirm: "yes_step", OnDeny: "no_step"}

	outcome, delta := cm.evaluate(s, "f1", "book", step, nil, &NLUInterpretation{ConfirmationValue: boolPtr(false)})
	if outcome != confirmDenied {
		t.Fatalf("outcome = %q, want denied", outcome)
	}
	if delta.BranchTarget != "no_step" {
		t.Fatalf("BranchTarget = %q, want no_step", delta.BranchTarget)
	}
}

func TestConfirmMachine_AttemptsAreScopedPerFlowAndStep(t *testing.T) {
	cm := newConfirmMachine(DefaultSettings(), newResponseRenderer())
	s := NewDialogueState("sess-1", DefaultSettings())
	s.PendingTask = &PendingTask{Kind: TaskConfirm}
	step := &ConfirmStep{base: base{Name: "ask"}, Message: "Proceed?", OnConfirm: "yes_step", OnDeny: "no_step"}

	s.Metadata[confirmAttemptsKey("other-flow", "ask")] = 5

	_, delta := cm.evaluate(s, "f1", "book", step, nil, nil)
	attempts, _ := delta.Metadata[confirmAttemptsKey("f1", "ask")].(int)
	if attempts != 1 {
		t.Fatalf("a different flow's attempt count leaked into this flow's key: got %d", attempts)
	}
}
