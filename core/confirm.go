package core

import "fmt"

// confirmOutcome is the result of evaluating one confirm step for the
// current turn (spec.md §4.8's confirmation state machine:
// prompt_needed -> awaiting_reply -> affirmed | denied | unclear_retry,
// with unclear_retry looping back to awaiting_reply up to the configured
// attempt limit, after which the step is exhausted).
type confirmOutcome string

const (
	confirmPromptNeeded confirmOutcome = "prompt_needed"
	confirmAffirmed     confirmOutcome = "affirmed"
	confirmDenied       confirmOutcome = "denied"
	confirmUnclearRetry confirmOutcome = "unclear_retry"
	confirmExhausted    confirmOutcome = "exhausted"
)

// confirmMachine drives ConfirmStep evaluation. It is stateless; attempt
// counts are carried in the checkpointed DialogueState.Metadata so a
// retry loop survives a process restart the same way PendingTask does.
type confirmMachine struct {
	settings Settings
	renderer *responseRenderer
}

func newConfirmMachine(settings Settings, renderer *responseRenderer) *confirmMachine {
	return &confirmMachine{settings: settings, renderer: renderer}
}

func confirmAttemptsKey(flowID, stepName string) string {
	return fmt.Sprintf("_confirm_attempts:%s:%s", flowID, stepName)
}

// evaluate decides the confirm step's outcome this turn. The caller
// (stepmanager.go) is responsible for only invoking this when the active
// flow's cursor is parked on this ConfirmStep.
func (cm *confirmMachine) evaluate(
	s *DialogueState,
	flowID, flowName string,
	step *ConfirmStep,
	slots map[string]interface{},
	nlu *NLUInterpretation,
) (confirmOutcome, *Delta) {
	if s.PendingTask == nil || s.PendingTask.Kind != TaskConfirm {
		prompt := cm.renderer.render(step.Message, flowName, slots)
		return confirmPromptNeeded, &Delta{
			PendingTaskSet: true,
			PendingTask: &PendingTask{
				Kind:    TaskConfirm,
				Prompt:  prompt,
				Options: []string{"yes", "no"},
			},
			Message:         &Turn{Role: "assistant", Text: prompt},
			LastResponse:    prompt,
			LastResponseSet: true,
		}
	}

	if nlu == nil || nlu.ConfirmationValue == nil {
		attempts, _ := s.Metadata[confirmAttemptsKey(flowID, step.Name)].(int)
		attempts++
		limit := cm.settings.MaxConfirmAttempts
		if limit <= 0 {
			limit = 3
		}
		if attempts >= limit {
			return confirmExhausted, &Delta{
				PendingTaskSet: true,
				PendingTask:    nil,
				Metadata:       map[string]interface{}{confirmAttemptsKey(flowID, step.Name): 0},
			}
		}
		prompt := cm.renderer.render(step.Message, flowName, slots)
		return confirmUnclearRetry, &Delta{
			PendingTaskSet: true,
			PendingTask: &PendingTask{
				Kind:    TaskConfirm,
				Prompt:  "Sorry, I didn't catch that. " + prompt,
				Options: []string{"yes", "no"},
			},
			Message:         &Turn{Role: "assistant", Text: "Sorry, I didn't catch that. " + prompt},
			LastResponse:    "Sorry, I didn't catch that. " + prompt,
			LastResponseSet: true,
			Metadata:        map[string]interface{}{confirmAttemptsKey(flowID, step.Name): attempts},
		}
	}

	delta := &Delta{
		PendingTaskSet: true,
		PendingTask:    nil,
		Metadata:       map[string]interface{}{confirmAttemptsKey(flowID, step.Name): 0},
	}
	if *nlu.ConfirmationValue {
		delta.BranchTarget = step.OnConfirm
		return confirmAffirmed, delta
	}
	delta.BranchTarget = step.OnDeny
	return confirmDenied, delta
}
