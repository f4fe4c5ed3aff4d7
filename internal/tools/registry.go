package tools

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"devicenerd/internal/arena"
	"devicenerd/internal/jsonval"
	"devicenerd/internal/kvstore"
	"devicenerd/internal/logging"
	"devicenerd/internal/vm"
)

var (
	ErrAlreadyExists = errors.New("tools: tool already exists")
	ErrNoSpace       = errors.New("tools: registry full")
	ErrInvalidArg    = errors.New("tools: invalid argument")
	ErrNotFound      = errors.New("tools: tool not found")
	ErrNoStore       = errors.New("tools: no persistent store configured")
)

// MaxCapacity bounds the registry size. Linear name lookup is fine at
// this scale.
const MaxCapacity = 128

const defaultMaxVars = 64

// ScriptHost executes script-variant tools. Implemented by
// scripthost.Host; kept as an interface so the registry can run
// without an interpreter.
type ScriptHost interface {
	Run(language, code string, params *jsonval.Value) (string, error)
}

// AuditSink receives a record of every dispatch. Implemented by
// audit.Store.
type AuditSink interface {
	Record(opID, tool, input, result string, status int, duration time.Duration)
}

// Options configures a Registry. Store, VM, Scripts and Audit are all
// optional collaborators; the corresponding features degrade
// gracefully when absent.
type Options struct {
	Capacity int
	Store    *kvstore.Store
	VM       *vm.Manager
	Scripts  ScriptHost
	Audit    AuditSink

	// Arena, when set, charges each definition's footprint against the
	// tool region; a full region rejects registration.
	Arena *arena.Arena

	// MaxVars bounds each composite execution scope.
	MaxVars int
}

// Registry holds all registered tools and dispatches invocations.
type Registry struct {
	mu       sync.Mutex
	slots    []*Definition
	capacity int

	store   *kvstore.Store
	vm      *vm.Manager
	scripts ScriptHost
	audit   AuditSink
	arena   *arena.Arena
	maxVars int
	log     *logging.Logger
}

// New builds a registry. A non-positive or oversized capacity falls
// back to MaxCapacity.
func New(opts Options) *Registry {
	capacity := opts.Capacity
	if capacity <= 0 || capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	maxVars := opts.MaxVars
	if maxVars <= 0 {
		maxVars = defaultMaxVars
	}
	return &Registry{
		capacity: capacity,
		store:    opts.Store,
		vm:       opts.VM,
		scripts:  opts.Scripts,
		audit:    opts.Audit,
		arena:    opts.Arena,
		maxVars:  maxVars,
		log:      logging.Get(logging.CategoryTools),
	}
}

// Register inserts a fully built definition. The registry takes
// ownership of def.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return ErrInvalidArg
	}
	if def.Variant == VariantNative && def.Handler == nil {
		return fmt.Errorf("%w: native tool %q has no handler", ErrInvalidArg, def.Name)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(def.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, def.Name)
	}
	if len(r.slots) >= r.capacity {
		return fmt.Errorf("%w: capacity %d", ErrNoSpace, r.capacity)
	}
	if r.arena != nil {
		blk, err := r.arena.Allocate(arena.RegionTool, def.footprint(), def.Name)
		if err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
		def.block = blk
	}
	r.slots = append(r.slots, def)
	r.log.Info("registered tool %s (%s)", def.Name, def.Variant)
	return nil
}

// RegisterLegacy registers a native tool from its parts. schemaJSON
// may be empty for a tool that accepts any params.
func (r *Registry) RegisterLegacy(name string, handler Handler, schemaJSON string) error {
	var schema *jsonval.Value
	if schemaJSON != "" {
		parsed, err := jsonval.ParseString(schemaJSON)
		if err != nil {
			return fmt.Errorf("%w: bad schema for %s: %v", ErrInvalidArg, name, err)
		}
		schema = parsed
	}
	return r.Register(&Definition{
		Name:    name,
		Variant: VariantNative,
		Handler: handler,
		Schema:  schema,
	})
}

// Unregister removes a tool and its persisted copy, if any.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	i := r.findLocked(name)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	def := r.slots[i]
	r.slots = append(r.slots[:i], r.slots[i+1:]...)
	r.mu.Unlock()

	if def.block != nil {
		if err := r.arena.Free(def.block); err != nil {
			r.log.Warn("releasing arena block for %s: %v", name, err)
		}
		def.block = nil
	}
	if def.Persistent && r.store != nil {
		if err := r.store.Delete(storeKey(name)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			r.log.Warn("failed to remove persisted tool %s: %v", name, err)
		}
	}
	r.log.Info("unregistered tool %s", name)
	return nil
}

// Find returns the slot index of a tool, or -1.
func (r *Registry) Find(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(name)
}

func (r *Registry) findLocked(name string) int {
	for i, def := range r.slots {
		if def.Name == name {
			return i
		}
	}
	return -1
}

// GetDefinition returns the definition for a name, or nil.
func (r *Registry) GetDefinition(name string) *Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.findLocked(name); i >= 0 {
		return r.slots[i]
	}
	return nil
}

// GetSchema returns the parameter schema for a name. Nil when the
// tool is unknown or unconstrained.
func (r *Registry) GetSchema(name string) *jsonval.Value {
	if def := r.GetDefinition(name); def != nil {
		return def.Schema
	}
	return nil
}

// GetList returns one entry per registered tool, in slot order.
func (r *Registry) GetList() []ListEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ListEntry, 0, len(r.slots))
	for _, def := range r.slots {
		out = append(out, ListEntry{
			Name:        def.Name,
			Description: def.Description,
			Variant:     def.Variant,
			IsDynamic:   def.IsDynamic,
		})
	}
	return out
}

// Count reports the number of registered tools.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func storeKey(name string) string { return "tool_" + name }
