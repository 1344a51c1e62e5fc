package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TurnResult is what HandleTurn returns: the text to send back to the
// user and the (already checkpointed) state it was computed from.
type TurnResult struct {
	Response string
	State    *DialogueState
}

// Engine is the compiled, ready-to-run dialogue runtime (C5 Scheduler):
// compiled graphs, the flow/step/dispatch collaborators, a checkpoint
// store, and the external NLU provider, wired together the way
// teleflow's Bot wires its registered flows, middleware chain, and
// Telegram client together in NewBot.
type Engine struct {
	spec     *Spec
	graphs   map[string]*Graph
	settings Settings

	flows      *flowManager
	dispatcher *dispatcher
	steps      *stepManager

	checkpoints CheckpointStore
	nlu         NLUProvider
	log         *logrus.Logger

	handle TurnFunc

	// pendingExit holds sessions whose checkpoint write is deferred under
	// Durability "exit" until Shutdown flushes them.
	pendingExitMu sync.Mutex
	pendingExit   map[string]*DialogueState
}

// EngineOption configures an Engine at construction time, the same
// functional-options shape teleflow uses for its BotOption.
type EngineOption func(*Engine)

// WithLogger overrides the default logrus logger.
func WithLogger(log *logrus.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithCheckpointStore overrides the default in-memory CheckpointStore —
// typically a SQLite-backed store (see NewSQLiteCheckpointStore) for
// anything beyond a single test process.
func WithCheckpointStore(cs CheckpointStore) EngineOption {
	return func(e *Engine) { e.checkpoints = cs }
}

// WithMiddleware installs turn-processing middleware, outermost first.
func WithMiddleware(mws ...MiddlewareFunc) EngineOption {
	return func(e *Engine) {
		e.handle = chainMiddleware(e.handle, mws...)
	}
}

// NewSQLiteCheckpointStore opens a SQLite-backed CheckpointStore at path,
// suitable for WithCheckpointStore.
func NewSQLiteCheckpointStore(path string) (CheckpointStore, error) {
	return newSQLiteCheckpointStore(path)
}

// NewEngine compiles spec's flows and wires the runtime together. actions
// and validators may be nil if the spec references none.
func NewEngine(spec *Spec, nlu NLUProvider, actions *ActionRegistry, validators *ValidatorRegistry, opts ...EngineOption) (*Engine, error) {
	graphs, err := CompileAll(spec)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = NewActionRegistry()
	}
	if validators == nil {
		validators = NewValidatorRegistry()
	}
	if err := validateActionReferences(spec, actions); err != nil {
		return nil, err
	}
	if err := validateValidatorReferences(spec, validators); err != nil {
		return nil, err
	}

	renderer := newResponseRenderer()
	e := &Engine{
		spec:        spec,
		graphs:      graphs,
		settings:    spec.Settings,
		flows:       newFlowManager(graphs, spec.Settings),
		dispatcher:  newDispatcher(renderer, graphs, spec.Responses),
		steps:       newStepManager(spec.Settings, renderer, actions, validators),
		checkpoints: newMemoryCheckpointStore(),
		nlu:         nlu,
		log:         logrus.StandardLogger(),
		pendingExit: make(map[string]*DialogueState),
	}
	e.handle = e.handleTurn

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// validateActionReferences confirms every ActionStep's Call resolves in
// actions up front, the same "fail at startup, not mid-conversation"
// posture config.go applies to step fields (spec.md §7).
func validateActionReferences(spec *Spec, actions *ActionRegistry) error {
	for _, fs := range spec.Flows {
		for _, st := range fs.Steps {
			as, ok := st.(*ActionStep)
			if !ok {
				continue
			}
			if _, err := actions.Lookup(as.Call); err != nil {
				return &ConfigError{Step: as.Name, Reason: fmt.Sprintf("flow %q: %v", fs.Name, err)}
			}
		}
	}
	return nil
}

// validateValidatorReferences confirms every CollectStep's Validator
// resolves in validators up front, the same startup-fatal posture as
// validateActionReferences.
func validateValidatorReferences(spec *Spec, validators *ValidatorRegistry) error {
	for _, fs := range spec.Flows {
		for _, st := range fs.Steps {
			cs, ok := st.(*CollectStep)
			if !ok || cs.Validator == "" {
				continue
			}
			if _, err := validators.Lookup(cs.Validator); err != nil {
				return &ConfigError{Step: cs.Name, Reason: fmt.Sprintf("flow %q: %v", fs.Name, err)}
			}
		}
	}
	return nil
}

// HandleTurn processes one user utterance for sessionID through the
// installed middleware chain.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, utterance string) (*TurnResult, error) {
	return e.handle(ctx, sessionID, utterance)
}

// handleTurn is the innermost TurnFunc: load checkpoint, interpret,
// dispatch, run the graph, checkpoint, return.
func (e *Engine) handleTurn(ctx context.Context, sessionID, utterance string) (*TurnResult, error) {
	if e.settings.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.TurnTimeout)
		defer cancel()
	}

	prior, err := e.loadState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %q: %w", sessionID, err)
	}
	if prior == nil {
		prior = NewDialogueState(sessionID, e.settings)
	}
	s := prior.clone()
	s.TurnCount++
	s.appendMessage(Turn{Role: "user", Text: utterance, At: time.Now()})

	active := s.ActiveFlow()

	var interp *NLUInterpretation
	if utterance != "" && e.nlu != nil {
		req := NLURequest{
			Utterance:    utterance,
			PendingTask:  s.PendingTask,
			History:      s.Messages,
			KnownFlows:   e.flowNames(),
			KnownActions: e.actionNames(),
		}
		if active != nil {
			req.ActiveFlow = active.FlowName
			req.ActiveSlots = s.Slots(active.FlowID)
		}
		interp, err = e.interpretWithRetry(ctx, sessionID, req)
		if err != nil {
			e.log.WithField("session", sessionID).WithError(err).Warn("NLU interpretation failed after retry, recovering the turn")
			return e.recoverTurnFailure(ctx, s, "nlu_failure", "Sorry, I didn't quite catch that — could you say it again?")
		}
		s.LastNLU = interp
	}

	dr := e.dispatcher.dispatch(s, active, interp)
	if dr.Delta != nil {
		s = applyDelta(s, *dr.Delta)
	}

	switch {
	case dr.CancelAll:
		for s.ActiveFlow() != nil {
			popDelta, perr := e.flows.pop(s, FlowCancelled)
			if perr != nil {
				break
			}
			s.recordCompletedFlow(CompletedFlowRecord{
				FlowName: s.ActiveFlow().FlowName, Result: FlowCancelled,
				Started: s.ActiveFlow().StartedAt, Ended: time.Now(),
			})
			s = applyDelta(s, *popDelta)
		}
		s.PendingTask = nil
	case dr.Cancel:
		if fc := s.ActiveFlow(); fc != nil {
			popDelta, perr := e.flows.pop(s, FlowCancelled)
			if perr == nil {
				s.recordCompletedFlow(CompletedFlowRecord{FlowName: fc.FlowName, Result: FlowCancelled, Started: fc.StartedAt, Ended: time.Now()})
				s = applyDelta(s, *popDelta)
				s.PendingTask = nil
			}
		}
	case dr.PushFlow != "":
		pushDelta, perr := e.flows.push(s, dr.PushFlow, dr.PushInputs, nil)
		if perr != nil {
			return nil, perr
		}
		s = applyDelta(s, *pushDelta)
	}

	if dr.Suspend {
		if err := e.checkpoint(ctx, s); err != nil {
			return nil, err
		}
		return &TurnResult{Response: s.LastResponse, State: s}, nil
	}

	if err := e.runNodes(ctx, s); err != nil {
		var actionErr *ActionError
		if errors.As(err, &actionErr) {
			e.log.WithField("session", sessionID).WithError(err).Warn("action failed, recovering the turn at the failing step")
			return e.recoverTurnFailure(ctx, s, "action_failure", "Sorry, something went wrong on my end. Let's try that again.")
		}
		return nil, err
	}

	if err := e.checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return &TurnResult{Response: s.LastResponse, State: s}, nil
}

// recoverTurnFailure turns a recoverable per-turn failure (NLU or action)
// into a normal TurnResult instead of propagating a bare error: it appends
// a configured (or default) response to s — which, by the time this is
// called, already carries whatever deltas merged successfully earlier in
// the same turn — checkpoints that state, and returns it. Systemic
// failures (TimeoutError, NodeCapError, GraphBuildError, and anything else
// runNodes can return) are not routed through here; they still propagate
// as real errors, since no configured template can paper over a
// mis-compiled graph or a blown deadline.
func (e *Engine) recoverTurnFailure(ctx context.Context, s *DialogueState, key, fallback string) (*TurnResult, error) {
	text := fallback
	if configured, ok := e.spec.Responses[key]; ok && configured != "" {
		text = configured
	}
	s.appendMessage(Turn{Role: "assistant", Text: text, At: time.Now()})
	s.LastResponse = text

	if err := e.checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return &TurnResult{Response: s.LastResponse, State: s}, nil
}

// loadState reads the prior checkpoint for sessionID. Under Durability
// "exit", a session whose write was deferred lives only in pendingExit
// until Shutdown flushes it, so that map is consulted first.
func (e *Engine) loadState(ctx context.Context, sessionID string) (*DialogueState, error) {
	if e.settings.Durability == DurabilityExit {
		e.pendingExitMu.Lock()
		s, ok := e.pendingExit[sessionID]
		e.pendingExitMu.Unlock()
		if ok {
			return s.clone(), nil
		}
	}
	return e.checkpoints.Load(ctx, sessionID)
}

// checkpoint commits s according to Settings.Durability (spec.md §5):
// sync blocks the turn on the write, async starts it concurrently with
// whatever the caller does next, and exit defers the write entirely,
// holding the latest state in memory until Shutdown flushes it.
func (e *Engine) checkpoint(ctx context.Context, s *DialogueState) error {
	switch e.settings.Durability {
	case DurabilityExit:
		e.pendingExitMu.Lock()
		e.pendingExit[s.SessionID] = s.clone()
		e.pendingExitMu.Unlock()
		return nil

	case DurabilitySync:
		return e.checkpoints.Save(ctx, s)

	default: // DurabilityAsync
		snapshot := s.clone()
		go func() {
			if err := e.checkpoints.Save(context.Background(), snapshot); err != nil {
				e.log.WithField("session", snapshot.SessionID).WithError(err).Error("async checkpoint write failed")
			}
		}()
		return nil
	}
}

// Shutdown flushes every session held back under Durability "exit". It is
// a no-op for sync/async, which never accumulate anything here.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.pendingExitMu.Lock()
	pending := e.pendingExit
	e.pendingExit = make(map[string]*DialogueState)
	e.pendingExitMu.Unlock()

	for _, s := range pending {
		if err := e.checkpoints.Save(ctx, s); err != nil {
			return fmt.Errorf("flushing checkpoint for %q: %w", s.SessionID, err)
		}
	}
	return nil
}

// runNodes advances the active flow (and any flow it calls or links into)
// node by node until a suspension point, the stack empties, or the node
// cap is hit — the "advance through completed/cheap nodes in one turn"
// loop spec.md §4.5 describes, bounded by Settings.NodeCap so a
// mis-compiled graph cannot spin forever inside one turn.
func (e *Engine) runNodes(ctx context.Context, s *DialogueState) error {
	nodeCap := e.settings.NodeCap
	if nodeCap <= 0 {
		nodeCap = 20
	}

	for i := 0; i < nodeCap; i++ {
		select {
		case <-ctx.Done():
			return &TimeoutError{SessionID: s.SessionID}
		default:
		}

		fc := s.ActiveFlow()
		if fc == nil {
			return nil
		}

		g, ok := e.graphs[fc.FlowName]
		if !ok {
			return fmt.Errorf("flow %q has no compiled graph", fc.FlowName)
		}
		node, ok := g.Node(fc.CurrentStep)
		if !ok {
			return &GraphBuildError{Flow: fc.FlowName, Step: fc.CurrentStep, Reason: "current step not found in compiled graph"}
		}

		if s.IsExecuted(fc.FlowID, node.Index) {
			s = applyDelta(s, *cursorDelta(s, node.Next))
			if node.Next == EndStep {
				var perr error
				s, perr = e.finishActiveFlow(s, FlowCompleted)
				if perr != nil {
					return perr
				}
			}
			continue
		}

		switch st := node.Step.(type) {
		case *LinkStep:
			returnMap := fc.ReturnMap
			popDelta, err := e.flows.pop(s, FlowCompleted)
			if err != nil {
				return err
			}
			s.recordCompletedFlow(CompletedFlowRecord{FlowName: fc.FlowName, Result: FlowCompleted, Started: fc.StartedAt, Ended: time.Now()})
			s = applyDelta(s, *popDelta)
			pushDelta, err := e.flows.push(s, st.Flow, nil, returnMap)
			if err != nil {
				return err
			}
			s = applyDelta(s, *pushDelta)
			continue

		case *CallStep:
			s = applyDelta(s, *cursorDelta(s, node.Next))
			inputs := resolveCallInputs(st.Inputs, s.Slots(fc.FlowID))
			pushDelta, err := e.flows.push(s, st.Flow, inputs, st.MapOutputs)
			if err != nil {
				return err
			}
			s = applyDelta(s, *pushDelta)
			continue
		}

		outcome, err := e.steps.execute(ctx, fc, s, node, s.LastNLU)
		if err != nil {
			return err
		}
		if outcome.Delta != nil {
			s = applyDelta(s, *outcome.Delta)
		}
		if outcome.Suspend {
			return nil
		}

		next := node.Next
		if outcome.Delta != nil && outcome.Delta.BranchTarget != "" {
			next = g.Resolve(outcome.Delta.BranchTarget)
		}
		s = applyDelta(s, *cursorDelta(s, next))

		if next == EndStep {
			var perr error
			s, perr = e.finishActiveFlow(s, FlowCompleted)
			if perr != nil {
				return perr
			}
		}
	}

	return &NodeCapError{SessionID: s.SessionID, Cap: nodeCap}
}

// finishActiveFlow pops the active flow as completed and records it in
// the bounded completed-flows log.
func (e *Engine) finishActiveFlow(s *DialogueState, result FlowRunState) (*DialogueState, error) {
	fc := s.ActiveFlow()
	if fc == nil {
		return s, nil
	}
	popDelta, err := e.flows.pop(s, result)
	if err != nil {
		return s, err
	}
	s.recordCompletedFlow(CompletedFlowRecord{FlowName: fc.FlowName, Result: result, Started: fc.StartedAt, Ended: time.Now()})
	return applyDelta(s, *popDelta), nil
}

// cursorDelta produces a Delta that only advances the active flow's
// cursor, leaving the rest of the stack untouched.
func cursorDelta(s *DialogueState, newStep string) *Delta {
	if len(s.FlowStack) == 0 {
		return &Delta{}
	}
	stack := append([]*FlowContext(nil), s.FlowStack...)
	top := stack[len(stack)-1].clone()
	top.CurrentStep = newStep
	stack[len(stack)-1] = top
	return &Delta{FlowStack: stack, FlowStackSet: true}
}

// resolveCallInputs evaluates a CallStep's Inputs mapping (caller
// slot/literal name -> child input name) against the caller's slots:
// a value present in callerSlots is passed through; otherwise the raw
// string is passed as a literal.
func resolveCallInputs(inputs map[string]string, callerSlots map[string]interface{}) map[string]interface{} {
	if len(inputs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(inputs))
	for callerRef, childName := range inputs {
		if v, ok := callerSlots[callerRef]; ok {
			out[childName] = v
		} else {
			out[childName] = callerRef
		}
	}
	return out
}

// interpretWithRetry calls the NLU provider, retrying once on failure
// before surfacing an NLUError (spec.md's single configured retry).
func (e *Engine) interpretWithRetry(ctx context.Context, sessionID string, req NLURequest) (*NLUInterpretation, error) {
	interp, err := e.nlu.Interpret(ctx, req)
	if err == nil {
		return interp, nil
	}
	e.log.WithField("session", sessionID).WithError(err).Warn("NLU interpretation failed, retrying once")
	interp, err = e.nlu.Interpret(ctx, req)
	if err != nil {
		return nil, &NLUError{SessionID: sessionID, Err: err}
	}
	return interp, nil
}

func (e *Engine) flowNames() []string {
	names := make([]string, 0, len(e.spec.Flows))
	for _, fs := range e.spec.Flows {
		names = append(names, fs.Name)
	}
	return names
}

func (e *Engine) actionNames() []string {
	names := make([]string, 0, len(e.spec.Actions))
	for _, a := range e.spec.Actions {
		names = append(names, a.Name)
	}
	return names
}
