package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// flowManager implements C9: push/pop/peek on the flow stack, flow-id
// allocation, and the stack-depth policy. It is grounded directly on
// teleflow's flowManager (core/flow.go), generalized from a single
// "current flow per user" map into a full stack supporting digressions
// and nested calls.
type flowManager struct {
	graphs   map[string]*Graph
	settings Settings
}

func newFlowManager(graphs map[string]*Graph, settings Settings) *flowManager {
	return &flowManager{graphs: graphs, settings: settings}
}

// push allocates a fresh flow id and places a new, active FlowContext on
// top of the stack, pausing whatever was previously active. It enforces
// the configured stack-depth limit (spec.md §4.9). returnMap, when
// non-nil, is the child-output-key -> parent-slot mapping a CallStep
// registered; digressions and interruptions push with a nil returnMap.
func (fm *flowManager) push(s *DialogueState, flowName string, inputs map[string]interface{}, returnMap map[string]string) (*Delta, error) {
	graph, ok := fm.graphs[flowName]
	if !ok {
		return nil, fmt.Errorf("flow %q not registered", flowName)
	}

	stack := append([]*FlowContext(nil), s.FlowStack...)

	var evictedFlowID string
	limit := fm.settings.StackLimit
	if limit <= 0 {
		limit = 5
	}
	if len(stack) >= limit {
		switch fm.settings.StackOverflowStrategy {
		case StackCancelOldest:
			evictedFlowID = stack[0].FlowID
			stack = stack[1:]
		default: // StackRejectNew
			return nil, &StackOverflowError{FlowName: flowName, Limit: limit}
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1].clone()
		top.State = FlowPaused
		now := time.Now()
		top.PausedAt = &now
		stack[len(stack)-1] = top
	}

	fc := &FlowContext{
		FlowID:      uuid.NewString(),
		FlowName:    flowName,
		State:       FlowActive,
		CurrentStep: graph.Entry,
		StartedAt:   time.Now(),
		Inputs:      inputs,
		ReturnMap:   returnMap,
	}
	stack = append(stack, fc)

	delta := &Delta{FlowStack: stack, FlowStackSet: true}
	if evictedFlowID != "" {
		// The evicted flow is no longer reachable via FlowStack; without
		// this it would be an orphan — its slots and executed-step set
		// would linger forever (invariant I1/P4: no orphan slots after
		// pruning).
		delta.PruneFlowID = evictedFlowID
	}
	// inputs seed the new flow's own slots too, not just its Inputs
	// record: a collect step checks Slots, so a call/digression passing
	// a value the child would otherwise ask for must land there up front.
	if len(inputs) > 0 {
		delta.FlowSlotsFlowID = fc.FlowID
		delta.FlowSlots = inputs
	}
	return delta, nil
}

// pop removes the active flow context, resuming its parent (if any). When
// the popped flow completed successfully and was pushed by a CallStep
// (non-nil ReturnMap), its own slots are mapped through ReturnMap and
// merged into the resumed parent's slots. The popped flow's slots and
// executed-step set are pruned (invariant I4).
func (fm *flowManager) pop(s *DialogueState, result FlowRunState) (*Delta, error) {
	active := s.ActiveFlow()
	if active == nil {
		return nil, fmt.Errorf("no active flow to pop")
	}

	stack := append([]*FlowContext(nil), s.FlowStack[:len(s.FlowStack)-1]...)

	delta := &Delta{FlowStackSet: true, PruneFlowID: active.FlowID}

	if len(stack) > 0 {
		parent := stack[len(stack)-1].clone()
		parent.State = FlowActive
		parent.PausedAt = nil
		stack[len(stack)-1] = parent

		if result == FlowCompleted && len(active.ReturnMap) > 0 {
			childSlots := s.Slots(active.FlowID)
			outputs := make(map[string]interface{}, len(active.ReturnMap))
			for childKey, parentSlot := range active.ReturnMap {
				if v, ok := childSlots[childKey]; ok {
					outputs[parentSlot] = v
				}
			}
			if len(outputs) > 0 {
				delta.FlowSlotsFlowID = parent.FlowID
				delta.FlowSlots = outputs
			}
		}
	}
	delta.FlowStack = stack

	return delta, nil
}

// peek returns the active flow context without modifying state.
func (fm *flowManager) peek(s *DialogueState) *FlowContext {
	return s.ActiveFlow()
}

// allSlots returns every stacked flow's slots, keyed by flow id,
// read-only. Template rendering and the NLU request built by the
// scheduler do not use it; they see only the active flow's slots.
func (fm *flowManager) allSlots(s *DialogueState) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(s.FlowStack))
	for _, fc := range s.FlowStack {
		out[fc.FlowID] = s.Slots(fc.FlowID)
	}
	return out
}

// depth reports the current stack depth.
func (fm *flowManager) depth(s *DialogueState) int {
	return len(s.FlowStack)
}
