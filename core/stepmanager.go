package core

import (
	"context"
	"fmt"
)

// stepOutcome is what executing one graph node produced: a delta to merge
// and whether the turn must suspend here. For branch-shaped steps the
// step execution continues at instead of Node.Next is carried in
// Delta.BranchTarget.
type stepOutcome struct {
	Delta   *Delta
	Suspend bool
}

// stepManager executes individual graph nodes (C7): it is the only piece
// of code that knows how to turn a Step variant into a Delta. Flow-stack
// mutation (link/call/digression) is deliberately out of scope here — it
// belongs to flowManager, invoked directly by the scheduler, since it acts
// on the whole stack rather than one flow's slots.
type stepManager struct {
	exprs      *exprEngine
	renderer   *responseRenderer
	confirm    *confirmMachine
	actions    *ActionRegistry
	validators *ValidatorRegistry
}

func newStepManager(settings Settings, renderer *responseRenderer, actions *ActionRegistry, validators *ValidatorRegistry) *stepManager {
	return &stepManager{
		exprs:      newExprEngine(),
		renderer:   renderer,
		confirm:    newConfirmMachine(settings, renderer),
		actions:    actions,
		validators: validators,
	}
}

// executed marks index done against flowID; helper to keep call sites short.
func executed(flowID string, index int) map[string][]int {
	return map[string][]int{flowID: {index}}
}

// execute runs node.Step against the active flow's current slots and this
// turn's NLU interpretation, returning the delta the scheduler should
// merge. Branch/while-guard nodes are deliberately never marked executed:
// a while loop reaches the same guard node once per iteration, and a
// branch may be revisited by a later digression.
func (sm *stepManager) execute(ctx context.Context, fc *FlowContext, s *DialogueState, node *Node, nlu *NLUInterpretation) (*stepOutcome, error) {
	slots := s.Slots(fc.FlowID)

	switch st := node.Step.(type) {
	case *SayStep:
		text := sm.renderer.render(st.Message, fc.FlowName, slots)
		return &stepOutcome{Delta: &Delta{
			Message:         &Turn{Role: "assistant", Text: text},
			LastResponse:    text,
			LastResponseSet: true,
			ExecutedStepAdd: executed(fc.FlowID, node.Index),
		}}, nil

	case *SetStep:
		val, err := sm.exprs.eval(st.Expression, slots)
		if err != nil {
			return nil, fmt.Errorf("set step %q: %w", st.Name, err)
		}
		return &stepOutcome{Delta: &Delta{
			FlowSlotsFlowID: fc.FlowID,
			FlowSlots:       map[string]interface{}{st.Slot: val},
			ExecutedStepAdd: executed(fc.FlowID, node.Index),
		}}, nil

	case *CollectStep:
		return sm.executeCollect(st, fc, slots, node.Index)

	case *ActionStep:
		return sm.executeAction(ctx, st, fc, slots, node.Index)

	case *BranchStep:
		key, err := sm.exprs.evalCaseKey(st.Evaluate, slots)
		if err != nil {
			return nil, fmt.Errorf("branch step %q: %w", st.Name, err)
		}
		target, ok := st.Cases[key]
		if !ok {
			target = st.Default
		}
		if target == "" {
			return nil, &GraphBuildError{Flow: fc.FlowName, Step: st.Name, Reason: fmt.Sprintf("no case matched %q and no default configured", key)}
		}
		return &stepOutcome{Delta: &Delta{BranchTarget: target}}, nil

	case *ConfirmStep:
		outcome, delta := sm.confirm.evaluate(s, fc.FlowID, fc.FlowName, st, slots, nlu)
		switch outcome {
		case confirmPromptNeeded, confirmUnclearRetry:
			return &stepOutcome{Delta: delta, Suspend: true}, nil
		case confirmExhausted:
			delta.BranchTarget = st.OnDeny
			delta.ExecutedStepAdd = executed(fc.FlowID, node.Index)
			return &stepOutcome{Delta: delta}, nil
		default: // confirmAffirmed / confirmDenied
			delta.ExecutedStepAdd = executed(fc.FlowID, node.Index)
			return &stepOutcome{Delta: delta}, nil
		}

	case *LinkStep, *CallStep:
		return nil, fmt.Errorf("step %q: link/call steps are handled by the scheduler, not the step manager", st.StepName())

	default:
		return nil, fmt.Errorf("step %q: unrecognized step type", node.Step.StepName())
	}
}

// executeCollect implements the fill/validate/re-prompt cycle for a
// collect step. By the time this runs, the dispatcher has already merged
// any NLU-extracted slot values for the *current* turn into the flow's
// slots (dispatcher.go) — multi-slot fill means a slot named here may
// already be populated without this step ever having prompted for it.
func (sm *stepManager) executeCollect(st *CollectStep, fc *FlowContext, slots map[string]interface{}, index int) (*stepOutcome, error) {
	raw, present := slots[st.Slot]
	if !present {
		prompt := sm.renderer.render(st.Prompt, fc.FlowName, slots)
		return &stepOutcome{Delta: &Delta{
			PendingTaskSet: true,
			PendingTask:    &PendingTask{Kind: TaskCollect, Slot: st.Slot, Prompt: prompt},
			Message:        &Turn{Role: "assistant", Text: prompt},
			LastResponse:    prompt,
			LastResponseSet: true,
		}, Suspend: true}, nil
	}

	if st.Validator != "" {
		v, err := sm.validators.Lookup(st.Validator)
		if err != nil {
			return nil, fmt.Errorf("collect step %q: %w", st.Name, err)
		}
		normalized, err := v.Validate(st.Slot, raw)
		if err != nil {
			msg := st.ValidationMessage
			if msg == "" {
				msg = fmt.Sprintf("That doesn't look right for %s. %s", st.Slot, st.Prompt)
			}
			prompt := sm.renderer.render(msg, fc.FlowName, slots)
			return &stepOutcome{Delta: &Delta{
				PendingTaskSet:  true,
				PendingTask:     &PendingTask{Kind: TaskCollect, Slot: st.Slot, Prompt: prompt},
				Message:         &Turn{Role: "assistant", Text: prompt},
				LastResponse:    prompt,
				LastResponseSet: true,
			}, Suspend: true}, nil
		}
		return &stepOutcome{Delta: &Delta{
			FlowSlotsFlowID: fc.FlowID,
			FlowSlots:       map[string]interface{}{st.Slot: normalized},
			ExecutedStepAdd: executed(fc.FlowID, index),
			PendingTaskSet:  true,
			PendingTask:     nil,
		}}, nil
	}

	return &stepOutcome{Delta: &Delta{
		ExecutedStepAdd: executed(fc.FlowID, index),
		PendingTaskSet:  true,
		PendingTask:     nil,
	}}, nil
}

// executeAction invokes the named external handler exactly once per flow
// lifetime: the scheduler never calls execute for a node whose index is
// already in ExecutedSteps, so re-entry after a digression or process
// restart cannot double-fire a side effect (spec.md §9, idempotence
// without a write-ahead log).
func (sm *stepManager) executeAction(ctx context.Context, st *ActionStep, fc *FlowContext, slots map[string]interface{}, index int) (*stepOutcome, error) {
	handler, err := sm.actions.Lookup(st.Call)
	if err != nil {
		return nil, fmt.Errorf("action step %q: %w", st.Name, err)
	}
	outputs, err := handler.Execute(ctx, ActionRequest{
		FlowID:   fc.FlowID,
		FlowName: fc.FlowName,
		Step:     st.Name,
		Slots:    slots,
	})
	if err != nil {
		return nil, &ActionError{Flow: fc.FlowName, Step: st.Name, Action: st.Call, Err: err}
	}

	mapped := make(map[string]interface{}, len(st.MapOutputs))
	for outKey, slotName := range st.MapOutputs {
		if v, ok := outputs[outKey]; ok {
			mapped[slotName] = v
		}
	}

	return &stepOutcome{Delta: &Delta{
		FlowSlotsFlowID: fc.FlowID,
		FlowSlots:       mapped,
		ExecutedStepAdd: executed(fc.FlowID, index),
	}}, nil
}
