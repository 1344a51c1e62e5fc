package core

import "testing"

func flow(name string, steps ...Step) *FlowSpec {
	return &FlowSpec{Name: name, Steps: steps}
}

func TestCompile_SequentialFallThrough(t *testing.T) {
	fs := flow("greet",
		&SayStep{base: base{Name: "hello"}, Message: "hi"},
		&SayStep{base: base{Name: "bye"}, Message: "bye"},
	)
	g, err := Compile(fs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if g.Entry != "hello" {
		t.Fatalf("Entry = %q, want hello", g.Entry)
	}
	hello, _ := g.Node("hello")
	if hello.Next != "bye" {
		t.Fatalf("hello.Next = %q, want bye", hello.Next)
	}
	bye, _ := g.Node("bye")
	if bye.Next != EndStep {
		t.Fatalf("bye.Next = %q, want EndStep", bye.Next)
	}
}

func TestCompile_JumpToOverridesSequence(t *testing.T) {
	fs := flow("greet",
		&SayStep{base: base{Name: "hello", Jump: "bye"}, Message: "hi"},
		&SayStep{base: base{Name: "middle"}, Message: "skipped"},
		&SayStep{base: base{Name: "bye"}, Message: "bye"},
	)
	g, err := Compile(fs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	hello, _ := g.Node("hello")
	if hello.Next != "bye" {
		t.Fatalf("hello.Next = %q, want bye (jump_to override)", hello.Next)
	}
}

func TestCompile_WhileDesugarsIntoGuardAndAliasesName(t *testing.T) {
	fs := flow("loop",
		&WhileStep{base: base{Name: "retry_loop"}, Condition: "true", Do: []string{"body"}, ExitTo: "done"},
		&SayStep{base: base{Name: "body"}, Message: "again"},
		&SayStep{base: base{Name: "done"}, Message: "done"},
	)
	g, err := Compile(fs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	guardName := g.Aliases["retry_loop"]
	if guardName == "" {
		t.Fatalf("expected retry_loop to have a guard alias")
	}
	if g.Resolve("retry_loop") != guardName {
		t.Fatalf("Resolve(%q) = %q, want %q", "retry_loop", g.Resolve("retry_loop"), guardName)
	}
	guard, ok := g.Node(guardName)
	if !ok {
		t.Fatalf("guard node %q not registered", guardName)
	}
	branch, ok := guard.Step.(*BranchStep)
	if !ok {
		t.Fatalf("guard node's step is %T, want *BranchStep", guard.Step)
	}
	if branch.Cases["true"] != "body" {
		t.Fatalf("guard true-case = %q, want body", branch.Cases["true"])
	}
	if branch.Cases["false"] != "done" {
		t.Fatalf("guard false-case = %q, want done", branch.Cases["false"])
	}
	body, _ := g.Node("body")
	if body.Next != guardName {
		t.Fatalf("body.Next = %q, want the guard node (loop back)", body.Next)
	}
	if g.Entry != guardName {
		t.Fatalf("Entry = %q, want the guard node %q (retry_loop is first in source order)", g.Entry, guardName)
	}
}

func TestCompile_BranchTargetingWhileResolvesThroughAlias(t *testing.T) {
	fs := flow("loop",
		&BranchStep{base: base{Name: "pick"}, Evaluate: "true", Cases: map[string]string{"true": "retry_loop"}},
		&WhileStep{base: base{Name: "retry_loop"}, Condition: "true", Do: []string{"body"}, ExitTo: "done"},
		&SayStep{base: base{Name: "body"}, Message: "again"},
		&SayStep{base: base{Name: "done"}, Message: "done"},
	)
	g, err := Compile(fs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	pick, _ := g.Node("pick")
	branch := pick.Step.(*BranchStep)
	target := branch.Cases["true"] // stored as authored: "retry_loop", not its guard alias
	if target != "retry_loop" {
		t.Fatalf("branch case target = %q, want the authored name retry_loop to be preserved unresolved", target)
	}
	resolved := g.Resolve(target)
	if _, ok := g.Node(resolved); !ok {
		t.Fatalf("g.Resolve(%q) = %q, which does not name a registered node", target, resolved)
	}
	if resolved == target {
		t.Fatalf("expected Resolve to translate %q to its guard node, not return it unchanged", target)
	}
}

func TestCompile_NestedWhileRecursesThroughInnerGuardAlias(t *testing.T) {
	// The outer while's body names the inner while by its source name,
	// and the outer while is declared before the inner one in the flat
	// step list — the ordering that previously broke the inner lookup.
	fs := flow("loop",
		&WhileStep{base: base{Name: "outer"}, Condition: "true", Do: []string{"inner", "after_inner"}, ExitTo: "done"},
		&WhileStep{base: base{Name: "inner"}, Condition: "true", Do: []string{"body"}, ExitTo: "after_inner"},
		&SayStep{base: base{Name: "body"}, Message: "again"},
		&SayStep{base: base{Name: "after_inner"}, Message: "inner done"},
		&SayStep{base: base{Name: "done"}, Message: "outer done"},
	)
	g, err := Compile(fs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	outerGuard := g.Aliases["outer"]
	innerGuard := g.Aliases["inner"]
	if outerGuard == "" || innerGuard == "" {
		t.Fatalf("expected both while steps to have guard aliases, got outer=%q inner=%q", outerGuard, innerGuard)
	}
	if g.Entry != outerGuard {
		t.Fatalf("Entry = %q, want the outer guard %q — the inner while must not be treated as a top-level step", g.Entry, outerGuard)
	}

	outerNode, ok := g.Node(outerGuard)
	if !ok {
		t.Fatalf("outer guard node %q not registered", outerGuard)
	}
	outerBranch := outerNode.Step.(*BranchStep)
	if outerBranch.Cases["true"] != innerGuard {
		t.Fatalf("outer guard true-case = %q, want the inner while's guard node %q", outerBranch.Cases["true"], innerGuard)
	}

	innerNode, ok := g.Node(innerGuard)
	if !ok {
		t.Fatalf("inner guard node %q not registered", innerGuard)
	}
	innerBranch := innerNode.Step.(*BranchStep)
	if innerBranch.Cases["false"] != "after_inner" {
		t.Fatalf("inner guard false-case = %q, want after_inner", innerBranch.Cases["false"])
	}

	body, ok := g.Node("body")
	if !ok {
		t.Fatalf("body node not registered")
	}
	if body.Next != innerGuard {
		t.Fatalf("body.Next = %q, want the inner guard (loop back)", body.Next)
	}

	afterInner, ok := g.Node("after_inner")
	if !ok {
		t.Fatalf("after_inner node not registered")
	}
	if afterInner.Next != outerGuard {
		t.Fatalf("after_inner.Next = %q, want the outer guard (loop back)", afterInner.Next)
	}
}

func TestCompile_UnresolvedTargetIsGraphBuildError(t *testing.T) {
	fs := flow("bad",
		&BranchStep{base: base{Name: "pick"}, Evaluate: "true", Cases: map[string]string{"true": "nowhere"}},
	)
	_, err := Compile(fs)
	if err == nil {
		t.Fatalf("expected an error for an unresolved branch target")
	}
	if _, ok := err.(*GraphBuildError); !ok {
		t.Fatalf("err = %T, want *GraphBuildError", err)
	}
}

func TestCompile_WhileWithEmptyBodyErrors(t *testing.T) {
	fs := flow("bad",
		&WhileStep{base: base{Name: "loop"}, Condition: "true", Do: nil, ExitTo: ""},
	)
	_, err := Compile(fs)
	if err == nil {
		t.Fatalf("expected an error for a while step with no body")
	}
}

func TestCompile_NoStepsIsGraphBuildError(t *testing.T) {
	fs := &FlowSpec{Name: "empty"}
	_, err := Compile(fs)
	if err == nil {
		t.Fatalf("expected an error for a flow with no executable steps")
	}
}

func TestCompileAll_AbortsOnFirstFlowError(t *testing.T) {
	spec := &Spec{Flows: []*FlowSpec{
		flow("good", &SayStep{base: base{Name: "hi"}, Message: "hi"}),
		flow("bad", &BranchStep{base: base{Name: "pick"}, Evaluate: "true", Cases: map[string]string{"true": "nowhere"}}),
	}}
	_, err := CompileAll(spec)
	if err == nil {
		t.Fatalf("expected CompileAll to surface the bad flow's error")
	}
}
