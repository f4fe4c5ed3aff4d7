// Package tools holds the registry and dispatcher for all invocable
// device tools. A tool is a named action with a JSON parameter schema
// and one of four implementation variants: a native Go handler, a
// composite pipeline of other tools, an embedded script, or a
// bytecode program.
package tools

import (
	"time"

	"devicenerd/internal/arena"
	"devicenerd/internal/execctx"
	"devicenerd/internal/jsonval"
	"devicenerd/internal/vm"
)

// Variant identifies a tool's implementation kind.
type Variant int

const (
	VariantNative Variant = iota
	VariantComposite
	VariantScript
	VariantBytecode
)

func (v Variant) String() string {
	switch v {
	case VariantNative:
		return "native"
	case VariantComposite:
		return "composite"
	case VariantScript:
		return "script"
	case VariantBytecode:
		return "bytecode"
	}
	return "unknown"
}

// Invocation is the per-dispatch call context passed to native
// handlers. It replaces any reliance on ambient state: handlers that
// need their caller's variables read them from Scope.
type Invocation struct {
	// OpID uniquely identifies this dispatch for audit correlation.
	OpID string

	// Scope is the variable scope of the enclosing composite or rule
	// execution. Nil for a bare top-level invocation.
	Scope *execctx.Context

	// DriverID names the dynamic driver on whose behalf the tool
	// runs, when applicable.
	DriverID string
}

// Handler is a native tool implementation.
type Handler func(inv *Invocation, params *jsonval.Value) Result

// Step is one element of a composite tool pipeline. ParamsTemplate is
// a JSON fragment that may contain ${name} or ${name|default}
// placeholders; ResultStore, when set, names the variable that
// receives the step's result JSON.
type Step struct {
	Tool           string
	ParamsTemplate string
	ResultStore    string
}

// Definition describes one registered tool. The registry exclusively
// owns definitions and their schemas.
type Definition struct {
	Name        string
	Description string
	Variant     Variant
	Schema      *jsonval.Value // nil when the tool accepts anything

	Handler  Handler     // native
	Steps    []Step      // composite
	Script   string      // script
	Language string      // script language tag, default "go"
	Program  *vm.Program // bytecode

	Persistent bool
	IsDynamic  bool
	CreatedAt  time.Time

	// sourceParams is the params object of the registering
	// system.defineTool call, serialized verbatim. It is what gets
	// persisted and replayed on LoadDynamic.
	sourceParams string

	// block is the tool-region charge held while registered.
	block *arena.Block
}

// footprint approximates the definition's resident size for arena
// accounting.
func (d *Definition) footprint() int {
	n := 64 + len(d.Name) + len(d.Description) + len(d.sourceParams) + len(d.Script)
	for _, s := range d.Steps {
		n += len(s.Tool) + len(s.ParamsTemplate) + len(s.ResultStore)
	}
	if d.Program != nil {
		n += d.Program.EstimatedSize()
	}
	return n
}

// ListEntry is one row of GetList output.
type ListEntry struct {
	Name        string
	Description string
	Variant     Variant
	IsDynamic   bool
}
