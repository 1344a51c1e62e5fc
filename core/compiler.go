package core

import "fmt"

// EndStep is the synthetic target name representing the implicit END edge
// that terminates a flow: falling through to it, or branching to it,
// completes the flow.
const EndStep = "__END__"

// Node is one executable unit of a compiled Graph: a step paired with its
// fall-through successor. Branch/confirm-style routing (whose target
// depends on evaluation at runtime) is carried on the step itself
// (BranchStep.Cases, ConfirmStep.OnConfirm/OnDeny) rather than on Next.
type Node struct {
	Index int
	Step  Step
	// Next is the step this node falls through to when it completes
	// without an explicit branch target; EndStep means the flow
	// completes.
	Next string
}

// Graph is the compiled, immutable, thread-safe representation of one
// flow: a node graph keyed by step name, plus the ordered index used as
// the idempotence key for action steps (spec.md §4.4 algorithm). Graphs
// are read-only after Compile returns, so — like teleflow's registered
// flow map — they need no locking to share across concurrent sessions.
type Graph struct {
	FlowName string
	Nodes    map[string]*Node
	ByIndex  []*Node
	Entry    string // name of the first node to execute

	// Aliases maps a source-level while step's name to its synthetic guard
	// node name. Branch cases, confirm on_confirm/on_deny, and while
	// exit_to targets are stored as authored (possibly a while's own
	// name); Resolve translates them to the physical node actually
	// registered in Nodes.
	Aliases map[string]string
}

// Node looks up a node by its physical name (already resolved).
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// Resolve translates a source-level target name (as authored in a branch
// case, confirm on_confirm/on_deny, or while exit_to) into the physical
// node name it runs as, following the while-guard alias if any.
func (g *Graph) Resolve(name string) string {
	if name == "" {
		return EndStep
	}
	if alias, ok := g.Aliases[name]; ok {
		return alias
	}
	return name
}

// Compile translates a FlowSpec into an executable Graph: assigns stable
// step indices in source order, desugars `while` into guard/body/jump-back
// nodes, wires sequential and explicit edges, and validates that every
// target resolves (spec.md §4.4).
func Compile(fs *FlowSpec) (*Graph, error) {
	g := &Graph{FlowName: fs.Name, Nodes: make(map[string]*Node)}

	aliases := make(map[string]string)   // while step name -> its guard node name
	bodyMembers := make(map[string]bool) // step names consumed as while-loop bodies
	whiles := make([]*WhileStep, 0)

	for _, st := range fs.Steps {
		if w, ok := st.(*WhileStep); ok {
			aliases[w.Name] = "__" + w.Name + "_guard"
			whiles = append(whiles, w)
			for _, name := range w.Do {
				bodyMembers[name] = true
			}
		}
	}

	g.Aliases = aliases

	resolve := func(name string) string {
		if name == "" {
			return EndStep
		}
		if alias, ok := aliases[name]; ok {
			return alias
		}
		return name
	}

	index := 0
	// topLevel holds the physical node names that sequential fall-through
	// chains together, in source order: a while step contributes its
	// guard's name (the guard occupies the while's position in the
	// sequence), and body-only steps are excluded since they chain
	// through the loop instead.
	var topLevel []string
	for _, st := range fs.Steps {
		if w, ok := st.(*WhileStep); ok {
			if !bodyMembers[w.Name] {
				topLevel = append(topLevel, aliases[w.Name])
			}
			continue
		}
		node := &Node{Index: index, Step: st}
		g.Nodes[st.StepName()] = node
		g.ByIndex = append(g.ByIndex, node)
		index++
		if !bodyMembers[st.StepName()] {
			topLevel = append(topLevel, st.StepName())
		}
	}

	// Desugar each while into a guard branch node, in two passes: every
	// guard must be registered in g.Nodes before any body is wired,
	// because a nested while's body can name an outer or sibling while
	// by its source name, which only ever resolves to a physical node
	// through aliases/resolve — and nesting order in the flat step list
	// is not guaranteed to put an inner while ahead of the outer one
	// that references it.
	for _, w := range whiles {
		guardName := aliases[w.Name]
		exitTarget := resolve(w.ExitTo)
		if len(w.Do) == 0 {
			return nil, &GraphBuildError{Flow: fs.Name, Step: w.Name, Reason: "while step has no body"}
		}
		firstBody := resolve(w.Do[0])
		guardNode := &Node{
			Index: index,
			Step: &BranchStep{
				base:     base{Name: guardName},
				Evaluate: w.Condition,
				Cases:    map[string]string{"true": firstBody, "false": exitTarget},
				Default:  exitTarget,
			},
		}
		index++
		g.Nodes[guardName] = guardNode
		g.ByIndex = append(g.ByIndex, guardNode)
	}

	for _, w := range whiles {
		guardName := aliases[w.Name]
		for i, bodyName := range w.Do {
			physical := resolve(bodyName)
			bodyNode, ok := g.Nodes[physical]
			if !ok {
				return nil, &GraphBuildError{Flow: fs.Name, Step: w.Name, Reason: fmt.Sprintf("while body references unknown step %q", bodyName)}
			}
			if i == len(w.Do)-1 {
				bodyNode.Next = guardName // unconditional jump back to the guard
			} else {
				bodyNode.Next = resolve(w.Do[i+1])
			}
		}
	}

	// Sequential fall-through among top-level steps (including guard
	// nodes, now that they occupy their while's slot); explicit jump_to
	// always overrides. A guard's own Next is never read at runtime
	// (BranchStep routing always sets an explicit branch target), but
	// wiring it here keeps every node's Next meaningful regardless.
	for i, name := range topLevel {
		node := g.Nodes[name]
		switch node.Step.JumpOverride() {
		case "":
			if i+1 < len(topLevel) {
				node.Next = resolve(topLevel[i+1])
			} else {
				node.Next = EndStep
			}
		default:
			node.Next = resolve(node.Step.JumpOverride())
		}
	}

	if len(topLevel) == 0 {
		return nil, &GraphBuildError{Flow: fs.Name, Reason: "flow has no executable steps"}
	}
	g.Entry = resolve(topLevel[0])

	if err := validateTargets(fs, g, resolve); err != nil {
		return nil, err
	}

	return g, nil
}

// validateTargets checks that every edge target named anywhere in the
// flow (branch cases/default, confirm on_confirm/on_deny, explicit
// jump_to, while exit_to) resolves to either EndStep or an existing node
// (spec.md invariant I5 / P5).
func validateTargets(fs *FlowSpec, g *Graph, resolve func(string) string) error {
	check := func(stepName, target string) error {
		if target == "" || target == EndStep {
			return nil
		}
		if _, ok := g.Nodes[target]; ok {
			return nil
		}
		return &GraphBuildError{Flow: fs.Name, Step: stepName, Reason: fmt.Sprintf("unresolved target %q", target)}
	}

	for _, st := range fs.Steps {
		switch s := st.(type) {
		case *BranchStep:
			for _, target := range s.Cases {
				if err := check(s.Name, resolve(target)); err != nil {
					return err
				}
			}
			if s.Default != "" {
				if err := check(s.Name, resolve(s.Default)); err != nil {
					return err
				}
			}
		case *ConfirmStep:
			if err := check(s.Name, resolve(s.OnConfirm)); err != nil {
				return err
			}
			if err := check(s.Name, resolve(s.OnDeny)); err != nil {
				return err
			}
		case *WhileStep:
			if s.ExitTo != "" {
				if err := check(s.Name, resolve(s.ExitTo)); err != nil {
					return err
				}
			}
		}
		if st.JumpOverride() != "" {
			if err := check(st.StepName(), resolve(st.JumpOverride())); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompileAll compiles every flow in a Spec, returning a map keyed by flow
// name. Any single flow's compile error aborts the whole batch — flow
// compilation errors are fatal at startup (spec.md §7). A link or call
// step naming a flow that is not in spec is a GraphBuildError.
func CompileAll(spec *Spec) (map[string]*Graph, error) {
	graphs := make(map[string]*Graph, len(spec.Flows))
	for _, fs := range spec.Flows {
		g, err := Compile(fs)
		if err != nil {
			return nil, err
		}
		graphs[fs.Name] = g
	}
	for _, fs := range spec.Flows {
		for _, st := range fs.Steps {
			var target string
			if l, ok := st.(*LinkStep); ok {
				target = l.Flow
			} else if c, ok := st.(*CallStep); ok {
				target = c.Flow
			}
			if _, known := graphs[target]; target != "" && !known {
				return nil, &GraphBuildError{Flow: fs.Name, Step: st.StepName(), Reason: fmt.Sprintf("unknown target flow %q", target)}
			}
		}
	}
	return graphs, nil
}
