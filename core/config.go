package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec is the validated, in-memory representation of a parsed flow
// specification file: flows, slots, actions, response templates, and
// runtime settings. It is produced by ParseSpec/ParseSpecFile; after that
// only LoadSettingsOverlay changes it (its Settings). Compile
// (compiler.go) reads it without locking, the same way teleflow treats
// its registered flow map as read-only after startup.
type Spec struct {
	Flows     []*FlowSpec
	Slots     []SlotSpec
	Actions   []ActionSpec
	Responses map[string]string
	Settings  Settings
}

// FlowSpec is one named, ordered program of steps, as authored in YAML.
type FlowSpec struct {
	Name            string
	Description     string
	TriggerExamples []string
	Steps           []Step
}

// SlotSpec declares a slot's name and the normalizer type used to coerce
// a raw NLU string into a typed value. Normalization itself is an
// external collaborator (see normalize.go); this only records the
// declared type name the normalizer is asked to produce.
type SlotSpec struct {
	Name string
	Type string
}

// ActionSpec declares the name of an action the flow spec may reference
// from an action step. The action's actual implementation is supplied at
// runtime through an ActionRegistry (actions.go); this entry only records
// that the name is expected to resolve there.
type ActionSpec struct {
	Name        string
	Description string
}

// Settings holds the bot-wide / engine-wide configuration named in
// spec.md §6 under the YAML `settings` key, plus the operational knobs
// from SPEC_FULL.md (durability mode, stack depth, confirmation
// attempts, history window). Settings may additionally be overlaid from
// a TOML ops-config file via LoadSettingsOverlay.
type Settings struct {
	Durability             DurabilityMode `yaml:"durability" toml:"durability"`
	StackLimit             int            `yaml:"stack_limit" toml:"stack_limit"`
	MaxConfirmAttempts     int            `yaml:"max_confirm_attempts" toml:"max_confirm_attempts"`
	HistoryWindow          int            `yaml:"history_window" toml:"history_window"`
	TurnTimeout            time.Duration  `yaml:"-" toml:"-"`
	TurnTimeoutString      string         `yaml:"turn_timeout" toml:"turn_timeout"`
	NodeCap                int            `yaml:"node_cap" toml:"node_cap"`
	StackOverflowStrategy  StackStrategy  `yaml:"stack_overflow_strategy" toml:"stack_overflow_strategy"`
}

// DurabilityMode selects when a checkpoint write commits relative to turn
// processing (see scheduler.go / checkpoint.go).
type DurabilityMode string

const (
	DurabilitySync  DurabilityMode = "sync"
	DurabilityAsync DurabilityMode = "async"
	DurabilityExit  DurabilityMode = "exit"
)

// StackStrategy selects the behavior when a flow push would exceed
// StackLimit (see flowstack.go).
type StackStrategy string

const (
	StackRejectNew    StackStrategy = "reject_new"
	StackCancelOldest StackStrategy = "cancel_oldest"
)

// DefaultSettings returns the spec's documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Durability:            DurabilityAsync,
		StackLimit:            5,
		MaxConfirmAttempts:    3,
		HistoryWindow:         10,
		TurnTimeout:           5 * time.Second,
		TurnTimeoutString:     "5s",
		NodeCap:               20,
		StackOverflowStrategy: StackRejectNew,
	}
}

// rawSpecFile mirrors the YAML top level. Steps are decoded once into
// rawStep, the union of every variant's fields, and then validated and
// converted into a typed variant by toStep, the same two-pass shape
// codenerd's config loader uses to separate "parse" from "validate".
type rawSpecFile struct {
	Flows     []rawFlow         `yaml:"flows"`
	Slots     []SlotSpec        `yaml:"slots"`
	Actions   []ActionSpec      `yaml:"actions"`
	Responses map[string]string `yaml:"responses"`
	Settings  rawSettings       `yaml:"settings"`
	Version   string            `yaml:"version"`
}

type rawSettings struct {
	Durability            string `yaml:"durability"`
	StackLimit            int    `yaml:"stack_limit"`
	MaxConfirmAttempts    int    `yaml:"max_confirm_attempts"`
	HistoryWindow         int    `yaml:"history_window"`
	TurnTimeout           string `yaml:"turn_timeout"`
	NodeCap               int    `yaml:"node_cap"`
	StackOverflowStrategy string `yaml:"stack_overflow_strategy"`
}

type rawFlow struct {
	Name            string    `yaml:"name"`
	Description     string    `yaml:"description"`
	TriggerExamples []string  `yaml:"trigger_examples"`
	Steps           []rawStep `yaml:"steps"`
}

// rawStep is the union of every field any step variant might carry. Only
// the fields relevant to `Type` are read by toStep; every other field is
// validated to be absent-or-ignored at the variant boundary.
type rawStep struct {
	Step   string `yaml:"step"`
	Type   string `yaml:"type"`
	JumpTo string `yaml:"jump_to"`

	Message string `yaml:"message"`

	Slot              string `yaml:"slot"`
	Prompt            string `yaml:"prompt"`
	Validator         string `yaml:"validator"`
	ValidationMessage string `yaml:"validation_message"`

	Call       string            `yaml:"call"`
	MapOutputs map[string]string `yaml:"map_outputs"`

	Value string `yaml:"value"`

	Evaluate string            `yaml:"evaluate"`
	Cases    map[string]string `yaml:"cases"`
	Default  string            `yaml:"default"`

	Condition string   `yaml:"condition"`
	Do        []string `yaml:"do"`
	ExitTo    string   `yaml:"exit_to"`

	OnConfirm string `yaml:"on_confirm"`
	OnDeny    string `yaml:"on_deny"`

	Flow   string            `yaml:"flow"`
	Inputs map[string]string `yaml:"inputs"`
}

// ParseSpecFile reads and parses a flow specification from disk.
func ParseSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return ParseSpec(data)
}

// ParseSpec parses and validates a flow specification from raw YAML
// bytes. Unknown step types are rejected; per-variant required fields are
// enforced (e.g. a say step must carry a non-empty message; a while step
// must carry both condition and do).
func ParseSpec(data []byte) (*Spec, error) {
	var raw rawSpecFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}

	if len(raw.Flows) == 0 {
		return nil, &ConfigError{Reason: "spec must declare at least one flow"}
	}

	settings, err := resolveSettings(raw.Settings)
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		Slots:     raw.Slots,
		Actions:   raw.Actions,
		Responses: raw.Responses,
		Settings:  settings,
	}

	for _, rf := range raw.Flows {
		if rf.Name == "" {
			return nil, &ConfigError{Reason: "flow missing required field 'name'"}
		}
		fs := &FlowSpec{
			Name:            rf.Name,
			Description:     rf.Description,
			TriggerExamples: rf.TriggerExamples,
		}
		seen := make(map[string]bool, len(rf.Steps))
		for _, rs := range rf.Steps {
			if rs.Step == "" {
				return nil, &ValidationError{Step: rs.Step, Reason: "step missing required field 'step' (name)"}
			}
			if seen[rs.Step] {
				return nil, &ValidationError{Step: rs.Step, Reason: fmt.Sprintf("duplicate step name in flow %q", rf.Name)}
			}
			seen[rs.Step] = true

			step, err := toStep(rs)
			if err != nil {
				return nil, err
			}
			fs.Steps = append(fs.Steps, step)
		}
		if len(fs.Steps) == 0 {
			return nil, &ConfigError{Reason: fmt.Sprintf("flow %q must have at least one step", rf.Name)}
		}
		spec.Flows = append(spec.Flows, fs)
	}

	return spec, nil
}

// toStep validates and converts one raw step into its typed variant. This
// is the parse-time enforcement of per-variant required fields described
// in spec.md §4.1 — a discriminated union, not a single wide struct.
func toStep(rs rawStep) (Step, error) {
	b := base{Name: rs.Step, Jump: rs.JumpTo}

	switch StepType(rs.Type) {
	case StepTypeSay:
		if rs.Message == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "say step requires a non-empty 'message'"}
		}
		if err := validateTemplate(rs.Message); err != nil {
			return nil, &ValidationError{Step: rs.Step, Reason: fmt.Sprintf("malformed message template: %v", err)}
		}
		return &SayStep{base: b, Message: rs.Message}, nil

	case StepTypeCollect:
		if rs.Slot == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "collect step requires 'slot'"}
		}
		if rs.Prompt == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "collect step requires 'prompt'"}
		}
		if err := validateTemplate(rs.Prompt); err != nil {
			return nil, &ValidationError{Step: rs.Step, Reason: fmt.Sprintf("malformed prompt template: %v", err)}
		}
		return &CollectStep{
			base: b, Slot: rs.Slot, Prompt: rs.Prompt,
			Validator: rs.Validator, ValidationMessage: rs.ValidationMessage,
		}, nil

	case StepTypeAction:
		if rs.Call == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "action step requires 'call'"}
		}
		return &ActionStep{base: b, Call: rs.Call, MapOutputs: rs.MapOutputs}, nil

	case StepTypeSet:
		if rs.Slot == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "set step requires 'slot'"}
		}
		if rs.Value == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "set step requires 'value'"}
		}
		return &SetStep{base: b, Slot: rs.Slot, Expression: rs.Value}, nil

	case StepTypeBranch:
		if rs.Evaluate == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "branch step requires 'evaluate'"}
		}
		if len(rs.Cases) == 0 && rs.Default == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "branch step requires 'cases' or 'default'"}
		}
		return &BranchStep{base: b, Evaluate: rs.Evaluate, Cases: rs.Cases, Default: rs.Default}, nil

	case StepTypeWhile:
		if rs.Condition == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "while step requires 'condition'"}
		}
		if len(rs.Do) == 0 {
			return nil, &ValidationError{Step: rs.Step, Reason: "while step requires a non-empty 'do'"}
		}
		return &WhileStep{base: b, Condition: rs.Condition, Do: rs.Do, ExitTo: rs.ExitTo}, nil

	case StepTypeConfirm:
		if rs.Message == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "confirm step requires 'message'"}
		}
		if err := validateTemplate(rs.Message); err != nil {
			return nil, &ValidationError{Step: rs.Step, Reason: fmt.Sprintf("malformed message template: %v", err)}
		}
		if rs.OnConfirm == "" || rs.OnDeny == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "confirm step requires both 'on_confirm' and 'on_deny'"}
		}
		return &ConfirmStep{base: b, Slot: rs.Slot, Message: rs.Message, OnConfirm: rs.OnConfirm, OnDeny: rs.OnDeny}, nil

	case StepTypeLink:
		if rs.Flow == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "link step requires 'flow'"}
		}
		return &LinkStep{base: b, Flow: rs.Flow}, nil

	case StepTypeCall:
		if rs.Flow == "" {
			return nil, &ValidationError{Step: rs.Step, Reason: "call step requires 'flow'"}
		}
		return &CallStep{base: b, Flow: rs.Flow, Inputs: rs.Inputs, MapOutputs: rs.MapOutputs}, nil

	case "":
		return nil, &ValidationError{Step: rs.Step, Reason: "step missing required field 'type'"}

	default:
		return nil, &ValidationError{Step: rs.Step, Reason: fmt.Sprintf("unknown step type %q", rs.Type)}
	}
}

func resolveSettings(rs rawSettings) (Settings, error) {
	s := DefaultSettings()

	if rs.Durability != "" {
		switch DurabilityMode(rs.Durability) {
		case DurabilitySync, DurabilityAsync, DurabilityExit:
			s.Durability = DurabilityMode(rs.Durability)
		default:
			return s, &ConfigError{Reason: fmt.Sprintf("unknown settings.durability %q", rs.Durability)}
		}
	}
	if rs.StackLimit > 0 {
		s.StackLimit = rs.StackLimit
	}
	if rs.MaxConfirmAttempts > 0 {
		s.MaxConfirmAttempts = rs.MaxConfirmAttempts
	}
	if rs.HistoryWindow > 0 {
		s.HistoryWindow = rs.HistoryWindow
	}
	if rs.NodeCap > 0 {
		s.NodeCap = rs.NodeCap
	}
	if rs.TurnTimeout != "" {
		d, err := time.ParseDuration(rs.TurnTimeout)
		if err != nil {
			return s, &ConfigError{Reason: fmt.Sprintf("invalid settings.turn_timeout %q: %v", rs.TurnTimeout, err)}
		}
		s.TurnTimeout = d
		s.TurnTimeoutString = rs.TurnTimeout
	}
	if rs.StackOverflowStrategy != "" {
		switch StackStrategy(rs.StackOverflowStrategy) {
		case StackRejectNew, StackCancelOldest:
			s.StackOverflowStrategy = StackStrategy(rs.StackOverflowStrategy)
		default:
			return s, &ConfigError{Reason: fmt.Sprintf("unknown settings.stack_overflow_strategy %q", rs.StackOverflowStrategy)}
		}
	}
	return s, nil
}

// LoadSettingsOverlay reads operational settings from a TOML file and
// overlays them onto an already-parsed Spec's Settings. This lets
// operators tune stack depth, durability mode, and timeouts without
// editing the flow specification itself.
func LoadSettingsOverlay(spec *Spec, path string) error {
	var overlay Settings
	if err := loadTOML(path, &overlay); err != nil {
		return &ConfigError{Reason: fmt.Sprintf("loading settings overlay %s: %v", path, err)}
	}
	if overlay.Durability != "" {
		spec.Settings.Durability = overlay.Durability
	}
	if overlay.StackLimit > 0 {
		spec.Settings.StackLimit = overlay.StackLimit
	}
	if overlay.MaxConfirmAttempts > 0 {
		spec.Settings.MaxConfirmAttempts = overlay.MaxConfirmAttempts
	}
	if overlay.HistoryWindow > 0 {
		spec.Settings.HistoryWindow = overlay.HistoryWindow
	}
	if overlay.NodeCap > 0 {
		spec.Settings.NodeCap = overlay.NodeCap
	}
	if overlay.TurnTimeoutString != "" {
		d, err := time.ParseDuration(overlay.TurnTimeoutString)
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("invalid overlay turn_timeout: %v", err)}
		}
		spec.Settings.TurnTimeout = d
	}
	if overlay.StackOverflowStrategy != "" {
		spec.Settings.StackOverflowStrategy = overlay.StackOverflowStrategy
	}
	return nil
}
