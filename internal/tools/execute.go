package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"devicenerd/internal/execctx"
	"devicenerd/internal/jsonval"
	"devicenerd/internal/vm"
)

// Execute dispatches a request envelope {"tool":"<name>","params":{}}
// and returns the tool's result. Every call is assigned a fresh
// operation ID and recorded to the audit sink when one is configured.
func (r *Registry) Execute(raw []byte) Result {
	return r.ExecuteWith(raw, &Invocation{OpID: uuid.NewString()})
}

// ExecuteWith dispatches an envelope under an existing invocation
// context, so rule actions and nested calls share one operation ID.
func (r *Registry) ExecuteWith(raw []byte, inv *Invocation) Result {
	if inv.OpID == "" {
		inv.OpID = uuid.NewString()
	}
	start := time.Now()
	res, name := r.dispatch(raw, inv)
	if r.audit != nil {
		r.audit.Record(inv.OpID, name, string(raw), res.JSON, int(res.Status), time.Since(start))
	}
	return res
}

// Invoke builds an envelope from a name and params JSON and executes
// it. Empty params means "{}".
func (r *Registry) Invoke(name, paramsJSON string, inv *Invocation) Result {
	if paramsJSON == "" {
		paramsJSON = "{}"
	}
	if inv == nil {
		inv = &Invocation{OpID: uuid.NewString()}
	}
	return r.ExecuteWith([]byte(envelope(name, paramsJSON)), inv)
}

func (r *Registry) dispatch(raw []byte, inv *Invocation) (Result, string) {
	root, err := jsonval.Parse(raw)
	if err != nil {
		return CreateErrorResult(StatusInvalidParameters, fmt.Sprintf("bad request: %v", err)), ""
	}
	name := root.GetString("tool")
	if name == "" {
		return CreateErrorResult(StatusInvalidParameters, "missing tool name"), ""
	}
	def := r.GetDefinition(name)
	if def == nil {
		return CreateErrorResult(StatusNotFound, fmt.Sprintf("unknown tool %q", name)), name
	}
	params := root.GetObject("params")
	if params == nil {
		params = jsonval.Object()
	}
	if def.Schema != nil {
		if msg := validateParams(def.Schema, params); msg != "" {
			return CreateErrorResult(StatusInvalidParameters, msg), name
		}
	}

	r.log.Debug("executing %s (%s) op=%s", name, def.Variant, inv.OpID)
	switch def.Variant {
	case VariantNative:
		return r.runNative(def, params, inv), name
	case VariantComposite:
		return r.runComposite(def, params, inv), name
	case VariantScript:
		return r.runScript(def, params), name
	case VariantBytecode:
		return r.runBytecode(def, params, inv), name
	}
	return CreateErrorResult(StatusExecutionError, fmt.Sprintf("tool %q has no implementation", name)), name
}

func (r *Registry) runNative(def *Definition, params *jsonval.Value, inv *Invocation) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tool %s panicked: %v", def.Name, p)
			res = CreateErrorResult(StatusExecutionError, fmt.Sprintf("tool %s failed: %v", def.Name, p))
		}
	}()
	return def.Handler(inv, params)
}

// runComposite iterates the step pipeline in a child scope seeded
// with the invocation params. The first non-success step result ends
// the pipeline and becomes the tool's result.
func (r *Registry) runComposite(def *Definition, params *jsonval.Value, inv *Invocation) Result {
	scope := execctx.New(def.Name, inv.Scope, r.maxVars)
	for _, f := range params.Fields() {
		if err := scope.SetVariable(f.Name, execctx.Ref(f.Value)); err != nil {
			return CreateErrorResult(StatusInvalidParameters, fmt.Sprintf("too many params: %v", err))
		}
	}
	prev := execctx.SetCurrent(scope)
	defer execctx.SetCurrent(prev)

	last := CreateSuccessResult("")
	for i, step := range def.Steps {
		substituted := scope.SubstituteVariables(step.ParamsTemplate)
		child := &Invocation{OpID: inv.OpID, Scope: scope, DriverID: inv.DriverID}
		res, _ := r.dispatch([]byte(envelope(step.Tool, substituted)), child)
		if step.ResultStore != "" {
			if err := scope.StoreToolResult(step.ResultStore, res.JSON); err != nil {
				r.log.Warn("step %d of %s: cannot bind result to %q: %v", i, def.Name, step.ResultStore, err)
			}
		}
		if !res.OK() {
			r.log.Debug("composite %s stopped at step %d (%s): %s", def.Name, i, step.Tool, res.Status)
			return res
		}
		last = res
	}
	return last
}

func (r *Registry) runScript(def *Definition, params *jsonval.Value) Result {
	if r.scripts == nil {
		return CreateErrorResult(StatusExecutionError, "no script host configured")
	}
	out, err := r.scripts.Run(def.Language, def.Script, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CreateErrorResult(StatusTimeout, fmt.Sprintf("script %s timed out", def.Name))
		}
		return CreateErrorResult(StatusExecutionError, fmt.Sprintf("script %s: %v", def.Name, err))
	}
	if _, perr := jsonval.ParseString(out); perr == nil {
		return CreateSuccessResult(out)
	}
	return CreateSuccessResult(`{"output":` + jsonval.Stringify(jsonval.String(out)) + `}`)
}

func (r *Registry) runBytecode(def *Definition, params *jsonval.Value, inv *Invocation) Result {
	if r.vm == nil {
		return CreateErrorResult(StatusExecutionError, "no bytecode engine configured")
	}
	scope := execctx.New(def.Name, inv.Scope, r.maxVars)
	for _, f := range params.Fields() {
		if err := scope.SetVariable(f.Name, execctx.Ref(f.Value)); err != nil {
			return CreateErrorResult(StatusInvalidParameters, fmt.Sprintf("too many params: %v", err))
		}
	}
	res := r.vm.Execute(def.Program, scope)
	if res.Success {
		return CreateSuccessResult(`{"value":` + valueJSON(res.Return) + `}`)
	}
	status := StatusExecutionError
	if res.Code == vm.ErrTimeout {
		status = StatusTimeout
	}
	return CreateErrorResult(status, fmt.Sprintf("%s: %s", res.Code, res.Message))
}

func envelope(tool, paramsJSON string) string {
	return `{"tool":` + jsonval.Stringify(jsonval.String(tool)) + `,"params":` + paramsJSON + `}`
}

// validateParams does shallow schema validation: required fields must
// be present, and declared property types must match when the field
// is present. Returns an empty string on success.
func validateParams(schema, params *jsonval.Value) string {
	if req := schema.GetArray("required"); req != nil {
		for _, el := range req.Elements() {
			name := el.AsString()
			if name != "" && !params.FieldExists(name) {
				return fmt.Sprintf("missing required field %q", name)
			}
		}
	}
	props := schema.GetObject("properties")
	if props == nil {
		return ""
	}
	for _, prop := range props.Fields() {
		field := params.GetField(prop.Name)
		if field == nil {
			continue
		}
		want := prop.Value.GetString("type")
		if want == "" {
			continue
		}
		if !kindMatches(want, field) {
			return fmt.Sprintf("field %q must be %s, got %s", prop.Name, want, field.Kind())
		}
	}
	return ""
}

func kindMatches(want string, v *jsonval.Value) bool {
	switch want {
	case "string":
		return v.Kind() == jsonval.KindString
	case "number":
		return v.Kind() == jsonval.KindNumber
	case "integer":
		if v.Kind() != jsonval.KindNumber {
			return false
		}
		n := v.AsNumber()
		return n == float64(int64(n))
	case "boolean":
		return v.Kind() == jsonval.KindBool
	case "object":
		return v.Kind() == jsonval.KindObject
	case "array":
		return v.Kind() == jsonval.KindArray
	case "null":
		return v.Kind() == jsonval.KindNull
	}
	// Unknown type tags are not enforced.
	return true
}

func valueJSON(v execctx.Value) string {
	switch v.Kind() {
	case execctx.KindNull:
		return "null"
	case execctx.KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case execctx.KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case execctx.KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case execctx.KindString:
		return jsonval.Stringify(jsonval.String(v.Str()))
	default:
		if j := v.JSON(); j != nil {
			return jsonval.Stringify(j)
		}
		return "null"
	}
}
