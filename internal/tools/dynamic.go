package tools

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"devicenerd/internal/jsonval"
	"devicenerd/internal/kvstore"
	"devicenerd/internal/vm"
)

// RegisterDynamic defines a new tool from a system.defineTool
// envelope: {"tool":"system.defineTool","params":{name, description,
// implementationType, implementation, schema?, persistent?}}. On any
// build or registration failure no partial state remains. A storage
// failure after registration keeps the tool in RAM with its
// persistent flag cleared for this session.
func (r *Registry) RegisterDynamic(raw []byte) error {
	root, err := jsonval.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	params := root.GetObject("params")
	if params == nil {
		return fmt.Errorf("%w: missing params", ErrInvalidArg)
	}
	return r.registerDynamicParams(params)
}

func (r *Registry) registerDynamicParams(params *jsonval.Value) error {
	def, err := r.buildDynamic(params)
	if err != nil {
		return err
	}
	if err := r.Register(def); err != nil {
		return err
	}
	if def.Persistent {
		if err := r.SaveDynamic(def.Name); err != nil {
			r.log.Warn("tool %s registered but not persisted: %v", def.Name, err)
			def.Persistent = false
		}
	}
	return nil
}

func (r *Registry) buildDynamic(params *jsonval.Value) (*Definition, error) {
	name, ok := params.GetStringOK("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrInvalidArg)
	}
	implType := params.GetString("implementationType")
	impl := params.GetObject("implementation")
	if impl == nil {
		return nil, fmt.Errorf("%w: tool %s has no implementation", ErrInvalidArg, name)
	}

	def := &Definition{
		Name:         name,
		Description:  params.GetString("description"),
		Persistent:   params.GetBool("persistent"),
		IsDynamic:    true,
		CreatedAt:    time.Now(),
		sourceParams: jsonval.Stringify(params),
	}

	if schema := params.GetObject("schema"); schema != nil {
		if err := checkSchema(schema); err != nil {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrInvalidArg, name, err)
		}
		def.Schema = schema.Clone()
	}
	if def.Persistent && len(storeKey(name)) > kvstore.MaxKeyLen {
		return nil, fmt.Errorf("%w: tool name %q too long to persist", ErrInvalidArg, name)
	}

	switch implType {
	case "composite":
		steps, err := parseSteps(impl)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrInvalidArg, name, err)
		}
		def.Variant = VariantComposite
		def.Steps = steps
	case "script":
		code := impl.GetString("code")
		if code == "" {
			return nil, fmt.Errorf("%w: tool %s: empty script", ErrInvalidArg, name)
		}
		def.Variant = VariantScript
		def.Script = code
		def.Language = impl.GetString("language")
		if def.Language == "" {
			def.Language = "go"
		}
	case "bytecode":
		encoded := impl.GetString("program")
		if encoded == "" {
			return nil, fmt.Errorf("%w: tool %s: empty program", ErrInvalidArg, name)
		}
		prog, err := vm.DecodeBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrInvalidArg, name, err)
		}
		if err := prog.Validate(); err != nil {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrInvalidArg, name, err)
		}
		def.Variant = VariantBytecode
		def.Program = prog
	default:
		return nil, fmt.Errorf("%w: tool %s: unknown implementationType %q", ErrInvalidArg, name, implType)
	}
	return def, nil
}

func parseSteps(impl *jsonval.Value) ([]Step, error) {
	arr := impl.GetArray("steps")
	if arr == nil || arr.ArrayLength() == 0 {
		return nil, errors.New("composite needs at least one step")
	}
	steps := make([]Step, 0, arr.ArrayLength())
	for i, el := range arr.Elements() {
		tool := el.GetString("tool")
		if tool == "" {
			return nil, fmt.Errorf("step %d has no tool", i)
		}
		step := Step{
			Tool:        tool,
			ResultStore: el.GetString("store"),
		}
		// params may be given as an inline object or as a raw
		// template string.
		if p, ok := el.GetStringOK("params"); ok {
			step.ParamsTemplate = p
		} else if p := el.GetField("params"); p != nil {
			step.ParamsTemplate = jsonval.Stringify(p)
		} else {
			step.ParamsTemplate = "{}"
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// checkSchema does a shallow syntactic pass: properties must be an
// object of objects, required must be an array of strings.
func checkSchema(schema *jsonval.Value) error {
	if props := schema.GetField("properties"); props != nil {
		if props.Kind() != jsonval.KindObject {
			return errors.New("schema properties must be an object")
		}
		for _, f := range props.Fields() {
			if f.Value.Kind() != jsonval.KindObject {
				return fmt.Errorf("schema property %q must be an object", f.Name)
			}
		}
	}
	if req := schema.GetField("required"); req != nil {
		if req.Kind() != jsonval.KindArray {
			return errors.New("schema required must be an array")
		}
		for i, el := range req.Elements() {
			if el.Kind() != jsonval.KindString {
				return fmt.Errorf("schema required[%d] must be a string", i)
			}
		}
	}
	return nil
}

// SaveDynamic persists a dynamic tool's registration payload under
// tool_<name>.
func (r *Registry) SaveDynamic(name string) error {
	if r.store == nil {
		return ErrNoStore
	}
	def := r.GetDefinition(name)
	if def == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !def.IsDynamic || def.sourceParams == "" {
		return fmt.Errorf("%w: %s is not a dynamic tool", ErrInvalidArg, name)
	}
	if err := r.store.Write(storeKey(name), []byte(def.sourceParams)); err != nil {
		return fmt.Errorf("persist tool %s: %w", name, err)
	}
	r.log.Debug("persisted tool %s (%d bytes)", name, len(def.sourceParams))
	return nil
}

// LoadDynamic rehydrates one persisted tool by name.
func (r *Registry) LoadDynamic(name string) error {
	if r.store == nil {
		return ErrNoStore
	}
	raw, err := r.store.Read(storeKey(name))
	if err != nil {
		return fmt.Errorf("load tool %s: %w", name, err)
	}
	params, err := jsonval.Parse(raw)
	if err != nil {
		return fmt.Errorf("load tool %s: %w", name, err)
	}
	def, err := r.buildDynamic(params)
	if err != nil {
		return err
	}
	return r.Register(def)
}

// LoadAllDynamic rehydrates every tool_* key. Individual failures are
// logged and skipped; the count of loaded tools is returned.
func (r *Registry) LoadAllDynamic() (int, error) {
	if r.store == nil {
		return 0, ErrNoStore
	}
	loaded := 0
	for _, key := range r.store.Keys() {
		name, ok := strings.CutPrefix(key, "tool_")
		if !ok {
			continue
		}
		if err := r.LoadDynamic(name); err != nil {
			r.log.Warn("skipping persisted tool %s: %v", name, err)
			continue
		}
		loaded++
	}
	r.log.Info("loaded %d dynamic tools", loaded)
	return loaded, nil
}
