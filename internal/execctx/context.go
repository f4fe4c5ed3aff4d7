package execctx

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"devicenerd/internal/jsonval"
)

var ErrTooManyVariables = errors.New("execctx: variable limit reached")

// Context is a scoped variable environment. Lookup walks up the parent
// chain; a child shadows but never mutates the parent's bindings.
type Context struct {
	name    string
	parent  *Context
	vars    map[string]Value
	maxVars int

	// roots pins jsonval trees referenced by object/array variables so
	// borrowed sub-trees stay alive for the context's lifetime.
	roots []*jsonval.Value
}

// New creates a context. maxVars <= 0 means unbounded.
func New(name string, parent *Context, maxVars int) *Context {
	return &Context{
		name:    name,
		parent:  parent,
		vars:    make(map[string]Value),
		maxVars: maxVars,
	}
}

// Name returns the context's diagnostic name.
func (c *Context) Name() string { return c.name }

// Parent returns the enclosing scope, or nil.
func (c *Context) Parent() *Context { return c.parent }

// SetVariable binds a name in this scope.
func (c *Context) SetVariable(name string, v Value) error {
	if _, exists := c.vars[name]; !exists && c.maxVars > 0 && len(c.vars) >= c.maxVars {
		return fmt.Errorf("%w: %s holds %d", ErrTooManyVariables, c.name, c.maxVars)
	}
	c.vars[name] = v
	return nil
}

// GetVariable resolves a name, walking the parent chain. Absent names
// resolve to a null value.
func (c *Context) GetVariable(name string) Value {
	for s := c; s != nil; s = s.parent {
		if v, ok := s.vars[name]; ok {
			return v
		}
	}
	return Null()
}

// HasVariable reports whether a name resolves anywhere in the chain.
func (c *Context) HasVariable(name string) bool {
	for s := c; s != nil; s = s.parent {
		if _, ok := s.vars[name]; ok {
			return true
		}
	}
	return false
}

// Names returns the names bound in this scope only.
func (c *Context) Names() []string {
	out := make([]string, 0, len(c.vars))
	for n := range c.vars {
		out = append(out, n)
	}
	return out
}

// StoreToolResult binds a step result under name. JSON payloads are parsed
// into a tree the context keeps alive; unparsable payloads bind as a plain
// string.
func (c *Context) StoreToolResult(name, resultJSON string) error {
	tree, err := jsonval.ParseString(resultJSON)
	if err != nil {
		return c.SetVariable(name, String(resultJSON))
	}
	c.roots = append(c.roots, tree)
	return c.SetVariable(name, Ref(tree))
}

// SubstituteVariables expands ${name} and ${name|default} placeholders in
// a template. Resolution walks the scope chain, first match wins; a
// missing name without a default expands to nothing. "$${" escapes a
// literal "${".
func (c *Context) SubstituteVariables(template string) string {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		if template[i] == '$' && i+1 < len(template) && template[i+1] == '$' &&
			i+2 < len(template) && template[i+2] == '{' {
			b.WriteString("${")
			i += 3
			continue
		}
		if template[i] != '$' || i+1 >= len(template) || template[i+1] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}
		end := strings.IndexByte(template[i+2:], '}')
		if end < 0 {
			// Unterminated placeholder: emit the rest verbatim.
			b.WriteString(template[i:])
			break
		}
		body := template[i+2 : i+2+end]
		i += 2 + end + 1

		name, def, hasDef := strings.Cut(body, "|")
		if !isIdentifier(name) {
			// Not a placeholder after all; keep the original text.
			b.WriteString("${")
			b.WriteString(body)
			b.WriteByte('}')
			continue
		}
		if c.HasVariable(name) {
			b.WriteString(c.GetVariable(name).Stringify())
		} else if hasDef {
			b.WriteString(def)
		}
	}
	return b.String()
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_':
		case ch >= '0' && ch <= '9', ch == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// The current-context slot lets native driver callbacks locate their
// caller's scope (e.g. the executing driver id). Dispatchers save and
// restore it around nested invocations; new code should pass the
// invocation context explicitly instead.
var (
	currentMu sync.Mutex
	current   *Context
)

// Current returns the process-wide current context, or nil.
func Current() *Context {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// SetCurrent installs a context as current and returns the previous one
// so callers can restore it.
func SetCurrent(c *Context) *Context {
	currentMu.Lock()
	defer currentMu.Unlock()
	prev := current
	current = c
	return prev
}
