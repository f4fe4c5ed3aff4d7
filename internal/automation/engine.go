package automation

import (
	"errors"
	"fmt"
	"sync"

	"devicenerd/internal/eventbus"
	"devicenerd/internal/execctx"
	"devicenerd/internal/jsonval"
	"devicenerd/internal/kvstore"
	"devicenerd/internal/logging"
	"devicenerd/internal/ruleexpr"
	"devicenerd/internal/tools"
)

// Invoker executes rule actions. Satisfied by *tools.Registry.
type Invoker interface {
	Invoke(name, paramsJSON string, inv *tools.Invocation) tools.Result
}

const (
	defaultMaxVars   = 64
	eventWindowLimit = 128
)

// Options configures an Engine. Store and Bus are optional; without a
// bus, event triggers never fire, and without a store rules are
// RAM-only.
type Options struct {
	Invoker Invoker
	Globals *execctx.Context // global variable pool for conditions
	Bus     *eventbus.Bus
	Store   *kvstore.Store
}

// Engine owns all rules and evaluates them on every Process tick.
type Engine struct {
	mu      sync.Mutex
	rules   []*Rule
	invoker Invoker
	globals *execctx.Context
	store   *kvstore.Store
	interp  *ruleexpr.Interpreter
	events  []eventbus.Event
	log     *logging.Logger
}

// New builds an engine and, when a bus is given, subscribes a
// wildcard handler that buffers events for event triggers.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		invoker: opts.Invoker,
		globals: opts.Globals,
		store:   opts.Store,
		interp:  ruleexpr.NewInterpreter(),
		log:     logging.Get(logging.CategoryAutomation),
	}
	if e.globals == nil {
		e.globals = execctx.New("globals", nil, defaultMaxVars)
	}
	if opts.Bus != nil {
		_, err := opts.Bus.RegisterHandler(eventbus.AnyType, "", func(ev eventbus.Event, _ any) {
			e.bufferEvent(ev)
		}, nil)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Globals exposes the variable pool conditions evaluate against.
func (e *Engine) Globals() *execctx.Context { return e.globals }

// Interpreter exposes the expression interpreter for host function
// registration.
func (e *Engine) Interpreter() *ruleexpr.Interpreter { return e.interp }

func (e *Engine) bufferEvent(ev eventbus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) >= eventWindowLimit {
		// Sliding window: the oldest buffered event gives way.
		e.events = e.events[1:]
	}
	e.events = append(e.events, ev)
}

// CreateRule parses and installs a rule, returning its ID. Rules are
// persisted under rule_<id> unless persistent:false or no store is
// configured.
func (e *Engine) CreateRule(raw []byte) (string, error) {
	v, err := jsonval.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	r, err := parseRule(v)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.findLocked(r.ID) != nil {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}
	e.rules = append(e.rules, r)
	e.mu.Unlock()

	if r.Persistent {
		if err := e.saveRule(r); err != nil {
			e.log.Warn("rule %s created but not persisted: %v", r.ID, err)
			r.Persistent = false
		}
	}
	e.log.Info("created rule %s (%d triggers, %d actions)", r.ID, len(r.Triggers), len(r.Actions))
	return r.ID, nil
}

func (e *Engine) saveRule(r *Rule) error {
	if e.store == nil {
		return ErrNoStore
	}
	key := storeKey(r.ID)
	if len(key) > kvstore.MaxKeyLen {
		return fmt.Errorf("%w: id %q too long to persist", ErrInvalidRule, r.ID)
	}
	return e.store.Write(key, []byte(jsonval.Stringify(r.toJSON())))
}

// SetRuleEnabled toggles a rule and re-persists it.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	r := e.findLocked(id)
	if r == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r.Enabled = enabled
	if !enabled {
		// A disabled condition trigger re-arms.
		for _, t := range r.Triggers {
			t.prev = false
		}
	}
	e.mu.Unlock()

	if r.Persistent {
		if err := e.saveRule(r); err != nil {
			e.log.Warn("rule %s state not persisted: %v", id, err)
		}
	}
	return nil
}

// DeleteRule removes a rule and its persisted copy.
func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	idx := -1
	for i, r := range e.rules {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r := e.rules[idx]
	e.rules = append(e.rules[:idx], e.rules[idx+1:]...)
	e.mu.Unlock()

	if r.Persistent && e.store != nil {
		if err := e.store.Delete(storeKey(id)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			e.log.Warn("persisted rule %s not removed: %v", id, err)
		}
	}
	e.log.Info("deleted rule %s", id)
	return nil
}

// GetRule returns a rule by ID, or nil.
func (e *Engine) GetRule(id string) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findLocked(id)
}

func (e *Engine) findLocked(id string) *Rule {
	for _, r := range e.rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Count reports the number of installed rules.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// Process evaluates every enabled rule against the current tick.
// Within the tick, event triggers are checked before schedule
// triggers; buffered events are consumed by the tick.
func (e *Engine) Process(nowMs int64) {
	e.mu.Lock()
	rules := make([]*Rule, len(e.rules))
	copy(rules, e.rules)
	events := e.events
	e.events = nil
	e.mu.Unlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		fires := 0

		// Condition triggers fire on the false-to-true edge.
		for _, t := range r.Triggers {
			if t.Kind != TriggerCondition {
				continue
			}
			cur := e.interp.Eval(t.prog, e.globals).Truthy()
			if cur && !t.prev {
				fires++
			}
			t.prev = cur
		}

		// Event triggers fire once per matching buffered event.
		for _, t := range r.Triggers {
			if t.Kind != TriggerEvent {
				continue
			}
			for _, ev := range events {
				if t.matchesEvent(ev) {
					fires++
				}
			}
		}

		// Schedule triggers are level-triggered at their due tick.
		for _, t := range r.Triggers {
			if t.Kind != TriggerSchedule {
				continue
			}
			if t.nextFireAt == 0 {
				if t.StartAt > 0 {
					t.nextFireAt = t.StartAt
				} else {
					t.nextFireAt = nowMs + t.IntervalMs
				}
			}
			if t.nextFireAt <= nowMs {
				fires++
				t.nextFireAt += t.IntervalMs
				// After a stall, re-arm relative to now instead of
				// replaying every missed interval.
				if t.nextFireAt <= nowMs {
					t.nextFireAt = nowMs + t.IntervalMs
				}
			}
		}

		for i := 0; i < fires; i++ {
			if !e.conditionsHold(r) {
				break
			}
			e.fire(r, nowMs)
		}
	}
}

func (t *Trigger) matchesEvent(ev eventbus.Event) bool {
	if t.EventType != eventbus.AnyType && t.EventType != ev.Type {
		return false
	}
	if t.EventSource != "" && t.EventSource != ev.Source {
		return false
	}
	return true
}

func (e *Engine) conditionsHold(r *Rule) bool {
	for i, prog := range r.condProgs {
		if !e.interp.Eval(prog, e.globals).Truthy() {
			e.log.Debug("rule %s gated by condition %d (%s)", r.ID, i, r.Conditions[i])
			return false
		}
	}
	return true
}

// CheckTriggers reports whether any trigger of the rule is currently
// satisfied. It does not consume edge state or buffered events.
func (e *Engine) CheckTriggers(id string) (bool, error) {
	e.mu.Lock()
	r := e.findLocked(id)
	events := e.events
	e.mu.Unlock()
	if r == nil {
		return false, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	for _, t := range r.Triggers {
		switch t.Kind {
		case TriggerCondition:
			if e.interp.Eval(t.prog, e.globals).Truthy() {
				return true, nil
			}
		case TriggerEvent:
			for _, ev := range events {
				if t.matchesEvent(ev) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// TriggerRule fires a rule manually, conditions permitting.
func (e *Engine) TriggerRule(id string, nowMs int64) error {
	e.mu.Lock()
	r := e.findLocked(id)
	e.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if !e.conditionsHold(r) {
		return nil
	}
	e.fire(r, nowMs)
	return nil
}

// ExecuteActions runs the rule's action list without trigger or
// condition checks.
func (e *Engine) ExecuteActions(id string, nowMs int64) error {
	e.mu.Lock()
	r := e.findLocked(id)
	e.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	e.fire(r, nowMs)
	return nil
}

// fire executes the action list in order. Action failures are logged
// and do not stop later actions unless the rule is strict.
func (e *Engine) fire(r *Rule, nowMs int64) {
	r.LastFired = nowMs
	scope := execctx.New(r.ID, e.globals, defaultMaxVars)
	for i, a := range r.Actions {
		if e.invoker == nil {
			e.log.Warn("rule %s: no invoker, skipping actions", r.ID)
			return
		}
		params := scope.SubstituteVariables(a.ParamsTemplate)
		res := e.invoker.Invoke(a.Tool, params, &tools.Invocation{Scope: scope})
		if !res.OK() {
			e.log.Warn("rule %s action %d (%s) failed: %s", r.ID, i, a.Tool, res.Status)
			if r.Strict {
				return
			}
		}
	}
}
