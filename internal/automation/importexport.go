package automation

import (
	"fmt"
	"strings"

	"devicenerd/internal/jsonval"
)

// ExportRules serializes every installed rule as
// {"rules":[...]} in install order.
func (e *Engine) ExportRules() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*jsonval.Value, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.toJSON())
	}
	return jsonval.Stringify(jsonval.Object(
		jsonval.F("rules", jsonval.Array(out...)),
	))
}

// ImportRules installs every rule of an exported document. The parse
// is strict and all-or-nothing: any malformed rule, unknown trigger
// kind, or ID collision rejects the whole document.
func (e *Engine) ImportRules(raw []byte) (int, error) {
	doc, err := jsonval.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	arr := doc.GetArray("rules")
	if arr == nil {
		return 0, fmt.Errorf("%w: missing rules array", ErrInvalidRule)
	}

	parsed := make([]*Rule, 0, arr.ArrayLength())
	seen := map[string]bool{}
	for i, rv := range arr.Elements() {
		r, err := parseRule(rv)
		if err != nil {
			return 0, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.ID] {
			return 0, fmt.Errorf("%w: duplicate id %s in document", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		parsed = append(parsed, r)
	}

	e.mu.Lock()
	for _, r := range parsed {
		if e.findLocked(r.ID) != nil {
			e.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
		}
	}
	e.rules = append(e.rules, parsed...)
	e.mu.Unlock()

	for _, r := range parsed {
		if r.Persistent {
			if err := e.saveRule(r); err != nil {
				e.log.Warn("imported rule %s not persisted: %v", r.ID, err)
				r.Persistent = false
			}
		}
	}
	return len(parsed), nil
}

// LoadAllRules rehydrates every rule_* key from the store. Individual
// failures are logged and skipped.
func (e *Engine) LoadAllRules() (int, error) {
	if e.store == nil {
		return 0, ErrNoStore
	}
	loaded := 0
	for _, key := range e.store.Keys() {
		if !strings.HasPrefix(key, "rule_") {
			continue
		}
		raw, err := e.store.Read(key)
		if err != nil {
			e.log.Warn("skipping %s: %v", key, err)
			continue
		}
		v, err := jsonval.Parse(raw)
		if err != nil {
			e.log.Warn("skipping %s: %v", key, err)
			continue
		}
		r, err := parseRule(v)
		if err != nil {
			e.log.Warn("skipping %s: %v", key, err)
			continue
		}

		e.mu.Lock()
		if e.findLocked(r.ID) == nil {
			e.rules = append(e.rules, r)
			loaded++
		}
		e.mu.Unlock()
	}
	e.log.Info("loaded %d rules", loaded)
	return loaded, nil
}
