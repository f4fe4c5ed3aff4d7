// Package automation runs persistent rules: triggers watched on every
// tick, gate conditions, and tool-invoking action lists.
package automation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"devicenerd/internal/eventbus"
	"devicenerd/internal/jsonval"
	"devicenerd/internal/ruleexpr"
)

var (
	ErrInvalidRule   = errors.New("automation: invalid rule")
	ErrRuleNotFound  = errors.New("automation: rule not found")
	ErrRuleExists    = errors.New("automation: rule already exists")
	ErrNoStore       = errors.New("automation: no persistent store configured")
)

// TriggerKind discriminates the four trigger variants.
type TriggerKind int

const (
	TriggerCondition TriggerKind = iota
	TriggerEvent
	TriggerSchedule
	TriggerManual
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerCondition:
		return "condition"
	case TriggerEvent:
		return "event"
	case TriggerSchedule:
		return "schedule"
	case TriggerManual:
		return "manual"
	}
	return "unknown"
}

// Trigger is one firing criterion of a rule. Condition triggers are
// edge-triggered: they fire only on a false-to-true transition of
// their expression. Schedule triggers are level-triggered at their
// scheduled tick and recompute nextFireAt after each fire.
type Trigger struct {
	Kind TriggerKind

	// condition
	Expression string
	prog       *ruleexpr.Program
	prev       bool

	// event
	EventType   int // eventbus.AnyType matches any
	EventSource string

	// schedule
	IntervalMs int64
	StartAt    int64
	nextFireAt int64
}

// Action is one tool invocation of a rule's action list.
// ParamsTemplate may contain ${name|default} placeholders resolved
// against the global variable pool at fire time.
type Action struct {
	Tool           string
	ParamsTemplate string
}

// Rule is one automation unit.
type Rule struct {
	ID         string
	Name       string
	Enabled    bool
	Strict     bool // stop the action list at the first failure
	Persistent bool
	Triggers   []*Trigger
	Conditions []string
	Actions    []Action
	LastFired  int64

	condProgs []*ruleexpr.Program
}

// parseRule builds a rule from its wire-format JSON object. The parser
// is strict: unknown trigger kinds or malformed actions reject the
// whole document.
func parseRule(v *jsonval.Value) (*Rule, error) {
	if v.Kind() != jsonval.KindObject {
		return nil, fmt.Errorf("%w: rule must be an object", ErrInvalidRule)
	}
	r := &Rule{
		ID:         v.GetString("id"),
		Name:       v.GetString("name"),
		Enabled:    true,
		Strict:     v.GetBool("strict"),
		Persistent: true,
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if en, ok := v.GetBoolOK("enabled"); ok {
		r.Enabled = en
	}
	if p, ok := v.GetBoolOK("persistent"); ok {
		r.Persistent = p
	}

	trigArr := v.GetArray("triggers")
	if trigArr == nil {
		return nil, fmt.Errorf("%w: missing triggers", ErrInvalidRule)
	}
	for i, tv := range trigArr.Elements() {
		trig, err := parseTrigger(tv)
		if err != nil {
			return nil, fmt.Errorf("%w: trigger %d: %v", ErrInvalidRule, i, err)
		}
		r.Triggers = append(r.Triggers, trig)
	}

	if condArr := v.GetArray("conditions"); condArr != nil {
		for i, cv := range condArr.Elements() {
			if cv.Kind() != jsonval.KindString {
				return nil, fmt.Errorf("%w: condition %d must be a string", ErrInvalidRule, i)
			}
			expr := cv.AsString()
			prog, err := ruleexpr.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("%w: condition %d: %v", ErrInvalidRule, i, err)
			}
			r.Conditions = append(r.Conditions, expr)
			r.condProgs = append(r.condProgs, prog)
		}
	}

	actArr := v.GetArray("actions")
	if actArr == nil || actArr.ArrayLength() == 0 {
		return nil, fmt.Errorf("%w: rule needs at least one action", ErrInvalidRule)
	}
	for i, av := range actArr.Elements() {
		tool := av.GetString("tool")
		if tool == "" {
			return nil, fmt.Errorf("%w: action %d has no tool", ErrInvalidRule, i)
		}
		act := Action{Tool: tool}
		if p, ok := av.GetStringOK("params"); ok {
			act.ParamsTemplate = p
		} else if p := av.GetField("params"); p != nil {
			act.ParamsTemplate = jsonval.Stringify(p)
		} else {
			act.ParamsTemplate = "{}"
		}
		r.Actions = append(r.Actions, act)
	}
	return r, nil
}

func parseTrigger(v *jsonval.Value) (*Trigger, error) {
	switch kind := v.GetString("kind"); kind {
	case "condition":
		expr := v.GetString("expression")
		if expr == "" {
			return nil, errors.New("condition trigger needs an expression")
		}
		prog, err := ruleexpr.Compile(expr)
		if err != nil {
			return nil, err
		}
		return &Trigger{Kind: TriggerCondition, Expression: expr, prog: prog}, nil
	case "event":
		t := &Trigger{Kind: TriggerEvent, EventType: eventbus.AnyType}
		if typ, ok := v.GetIntOK("type"); ok {
			t.EventType = int(typ)
		}
		t.EventSource = v.GetString("source")
		return t, nil
	case "schedule":
		interval, ok := v.GetIntOK("intervalMs")
		if !ok || interval <= 0 {
			return nil, errors.New("schedule trigger needs a positive intervalMs")
		}
		return &Trigger{
			Kind:       TriggerSchedule,
			IntervalMs: interval,
			StartAt:    v.GetInt("startAt"),
		}, nil
	case "manual":
		return &Trigger{Kind: TriggerManual}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// toJSON renders the rule back into the exported rule JSON shape.
func (r *Rule) toJSON() *jsonval.Value {
	fields := []jsonval.Field{
		jsonval.F("id", jsonval.String(r.ID)),
	}
	if r.Name != "" {
		fields = append(fields, jsonval.F("name", jsonval.String(r.Name)))
	}
	fields = append(fields,
		jsonval.F("enabled", jsonval.Bool(r.Enabled)),
		jsonval.F("strict", jsonval.Bool(r.Strict)),
		jsonval.F("persistent", jsonval.Bool(r.Persistent)),
	)

	trigs := make([]*jsonval.Value, 0, len(r.Triggers))
	for _, t := range r.Triggers {
		trigs = append(trigs, t.toJSON())
	}
	fields = append(fields, jsonval.F("triggers", jsonval.Array(trigs...)))

	conds := make([]*jsonval.Value, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		conds = append(conds, jsonval.String(c))
	}
	fields = append(fields, jsonval.F("conditions", jsonval.Array(conds...)))

	acts := make([]*jsonval.Value, 0, len(r.Actions))
	for _, a := range r.Actions {
		acts = append(acts, jsonval.Object(
			jsonval.F("tool", jsonval.String(a.Tool)),
			jsonval.F("params", jsonval.String(a.ParamsTemplate)),
		))
	}
	fields = append(fields, jsonval.F("actions", jsonval.Array(acts...)))
	return jsonval.Object(fields...)
}

func (t *Trigger) toJSON() *jsonval.Value {
	switch t.Kind {
	case TriggerCondition:
		return jsonval.Object(
			jsonval.F("kind", jsonval.String("condition")),
			jsonval.F("expression", jsonval.String(t.Expression)),
		)
	case TriggerEvent:
		fields := []jsonval.Field{
			jsonval.F("kind", jsonval.String("event")),
			jsonval.F("type", jsonval.Int(int64(t.EventType))),
		}
		if t.EventSource != "" {
			fields = append(fields, jsonval.F("source", jsonval.String(t.EventSource)))
		}
		return jsonval.Object(fields...)
	case TriggerSchedule:
		fields := []jsonval.Field{
			jsonval.F("kind", jsonval.String("schedule")),
			jsonval.F("intervalMs", jsonval.Int(t.IntervalMs)),
		}
		if t.StartAt != 0 {
			fields = append(fields, jsonval.F("startAt", jsonval.Int(t.StartAt)))
		}
		return jsonval.Object(fields...)
	default:
		return jsonval.Object(jsonval.F("kind", jsonval.String("manual")))
	}
}

func storeKey(id string) string { return "rule_" + id }
