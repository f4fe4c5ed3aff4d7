package system

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"devicenerd/internal/execctx"
	"devicenerd/internal/jsonval"
	"devicenerd/internal/logging"
	"devicenerd/internal/tools"
	"devicenerd/internal/vm"
)

const nameSchema = `{"required":["name"],"properties":{"name":{"type":"string"}}}`

// registerBuiltins installs the system.* tool set. These are native
// tools like any other and go through the same dispatch path.
func (k *Kernel) registerBuiltins() {
	builtins := []*tools.Definition{
		{
			Name:        "system.ping",
			Description: "Liveness check, reports device identity and uptime",
			Variant:     tools.VariantNative,
			Handler:     k.handlePing,
		},
		{
			Name:        "system.defineTool",
			Description: "Register a dynamic tool (composite, script, or bytecode)",
			Variant:     tools.VariantNative,
			Handler:     k.handleDefineTool,
		},
		{
			Name:        "system.removeTool",
			Description: "Unregister a tool and delete its persisted copy",
			Variant:     tools.VariantNative,
			Schema:      mustSchema(nameSchema),
			Handler:     k.handleRemoveTool,
		},
		{
			Name:        "system.listTools",
			Description: "List all registered tools",
			Variant:     tools.VariantNative,
			Handler:     k.handleListTools,
		},
		{
			Name:        "system.describeTool",
			Description: "Describe one tool including its schema",
			Variant:     tools.VariantNative,
			Schema:      mustSchema(nameSchema),
			Handler:     k.handleDescribeTool,
		},
		{
			Name:        "system.bytecodeConfig",
			Description: "Inspect and tune VM quotas",
			Variant:     tools.VariantNative,
			Schema:      mustSchema(`{"required":["action"],"properties":{"action":{"type":"string"}}}`),
			Handler:     k.handleBytecodeConfig,
		},
		{
			Name:        "system.log",
			Description: "Write a message to the device log",
			Variant:     tools.VariantNative,
			Schema:      mustSchema(`{"required":["message"],"properties":{"message":{"type":"string"},"level":{"type":"string"}}}`),
			Handler:     k.handleLog,
		},
		{
			Name:        "system.setVariable",
			Description: "Set a global variable visible to rule conditions",
			Variant:     tools.VariantNative,
			Schema:      mustSchema(nameSchema),
			Handler:     k.handleSetVariable,
		},
		{
			Name:        "system.getVariable",
			Description: "Read a global variable",
			Variant:     tools.VariantNative,
			Schema:      mustSchema(nameSchema),
			Handler:     k.handleGetVariable,
		},
	}
	for _, def := range builtins {
		if err := k.registry.Register(def); err != nil {
			k.log.Error("builtin %s registration failed: %v", def.Name, err)
		}
	}
}

func mustSchema(src string) *jsonval.Value {
	v, err := jsonval.ParseString(src)
	if err != nil {
		panic("system: bad builtin schema: " + err.Error())
	}
	return v
}

func (k *Kernel) handlePing(_ *tools.Invocation, _ *jsonval.Value) tools.Result {
	uptime := time.Since(k.bootAt).Milliseconds()
	out := jsonval.Object(
		jsonval.F("pong", jsonval.Bool(true)),
		jsonval.F("device", jsonval.String(k.cfg.Device.Name)),
		jsonval.F("firmware", jsonval.String(k.cfg.Device.FirmwareVersion)),
		jsonval.F("uptimeMs", jsonval.Int(uptime)),
	)
	return tools.CreateSuccessResult(jsonval.Stringify(out))
}

func (k *Kernel) handleDefineTool(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	envelope := jsonval.Object(
		jsonval.F("tool", jsonval.String("system.defineTool")),
		jsonval.F("params", params),
	)
	if err := k.registry.RegisterDynamic([]byte(jsonval.Stringify(envelope))); err != nil {
		switch {
		case errors.Is(err, tools.ErrInvalidArg):
			return tools.CreateErrorResult(tools.StatusInvalidParameters, err.Error())
		default:
			return tools.CreateErrorResult(tools.StatusError, err.Error())
		}
	}
	out := jsonval.Object(jsonval.F("defined", jsonval.String(params.GetString("name"))))
	return tools.CreateSuccessResult(jsonval.Stringify(out))
}

func (k *Kernel) handleRemoveTool(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	name := params.GetString("name")
	if strings.HasPrefix(name, "system.") {
		return tools.CreateErrorResult(tools.StatusInvalidParameters, "builtin tools cannot be removed")
	}
	if err := k.registry.Unregister(name); err != nil {
		if errors.Is(err, tools.ErrNotFound) {
			return tools.CreateErrorResult(tools.StatusNotFound, "unknown tool: "+name)
		}
		return tools.CreateErrorResult(tools.StatusError, err.Error())
	}
	out := jsonval.Object(jsonval.F("removed", jsonval.String(name)))
	return tools.CreateSuccessResult(jsonval.Stringify(out))
}

func (k *Kernel) handleListTools(_ *tools.Invocation, _ *jsonval.Value) tools.Result {
	list := k.registry.GetList()
	items := make([]*jsonval.Value, 0, len(list))
	for _, e := range list {
		items = append(items, jsonval.Object(
			jsonval.F("name", jsonval.String(e.Name)),
			jsonval.F("description", jsonval.String(e.Description)),
			jsonval.F("variant", jsonval.String(e.Variant.String())),
		))
	}
	out := jsonval.Object(
		jsonval.F("tools", jsonval.Array(items...)),
		jsonval.F("count", jsonval.Int(int64(len(list)))),
	)
	return tools.CreateSuccessResult(jsonval.Stringify(out))
}

func (k *Kernel) handleDescribeTool(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	name := params.GetString("name")
	def := k.registry.GetDefinition(name)
	if def == nil {
		return tools.CreateErrorResult(tools.StatusNotFound, "unknown tool: "+name)
	}
	fields := []jsonval.Field{
		jsonval.F("name", jsonval.String(def.Name)),
		jsonval.F("description", jsonval.String(def.Description)),
		jsonval.F("variant", jsonval.String(def.Variant.String())),
		jsonval.F("dynamic", jsonval.Bool(def.IsDynamic)),
		jsonval.F("persistent", jsonval.Bool(def.Persistent)),
	}
	if def.Schema != nil {
		fields = append(fields, jsonval.F("schema", def.Schema))
	}
	return tools.CreateSuccessResult(jsonval.Stringify(jsonval.Object(fields...)))
}

func (k *Kernel) handleBytecodeConfig(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	switch action := params.GetString("action"); action {
	case "getConfig":
		return marshalResult(k.vm.GetConfig())
	case "getRecommended":
		return marshalResult(k.vm.GetRecommended())
	case "getStats":
		return marshalResult(k.vm.GetStats())
	case "resetConfig":
		return marshalResult(k.vm.ResetConfig())
	case "setConfig":
		cfgObj := params.GetObject("config")
		if cfgObj == nil {
			return tools.CreateErrorResult(tools.StatusInvalidParameters, "setConfig requires a config object")
		}
		var want vm.Config
		if err := json.Unmarshal([]byte(jsonval.Stringify(cfgObj)), &want); err != nil {
			return tools.CreateErrorResult(tools.StatusInvalidParameters, "bad config: "+err.Error())
		}
		return marshalResult(k.vm.SetConfig(want))
	default:
		return tools.CreateErrorResult(tools.StatusInvalidParameters, "unknown action: "+action)
	}
}

func marshalResult(v any) tools.Result {
	data, err := json.Marshal(v)
	if err != nil {
		return tools.CreateErrorResult(tools.StatusExecutionError, err.Error())
	}
	return tools.CreateSuccessResult(string(data))
}

func (k *Kernel) handleLog(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	msg := params.GetString("message")
	log := logging.Get(logging.CategoryTools)
	switch params.GetString("level") {
	case "debug":
		log.Debug("%s", msg)
	case "warn":
		log.Warn("%s", msg)
	case "error":
		log.Error("%s", msg)
	default:
		log.Info("%s", msg)
	}
	return tools.CreateSuccessResult(`{"logged":true}`)
}

func (k *Kernel) handleSetVariable(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	name := params.GetString("name")
	val := params.GetField("value")
	if val == nil {
		return tools.CreateErrorResult(tools.StatusInvalidParameters, "missing field: value")
	}
	if err := k.engine.Globals().SetVariable(name, toExecValue(val)); err != nil {
		return tools.CreateErrorResult(tools.StatusError, err.Error())
	}
	out := jsonval.Object(jsonval.F("name", jsonval.String(name)))
	return tools.CreateSuccessResult(jsonval.Stringify(out))
}

func (k *Kernel) handleGetVariable(_ *tools.Invocation, params *jsonval.Value) tools.Result {
	name := params.GetString("name")
	globals := k.engine.Globals()
	if !globals.HasVariable(name) {
		return tools.CreateErrorResult(tools.StatusNotFound, "unknown variable: "+name)
	}
	out := jsonval.Object(
		jsonval.F("name", jsonval.String(name)),
		jsonval.F("value", toJSONValue(globals.GetVariable(name))),
	)
	return tools.CreateSuccessResult(jsonval.Stringify(out))
}

// toExecValue converts a parsed JSON value into a context variable.
// Subtrees are cloned because the request document is freed after
// dispatch; scalars collapse inside Ref.
func toExecValue(v *jsonval.Value) execctx.Value {
	if k := v.Kind(); k == jsonval.KindObject || k == jsonval.KindArray {
		return execctx.Ref(v.Clone())
	}
	return execctx.Ref(v)
}

func toJSONValue(v execctx.Value) *jsonval.Value {
	switch v.Kind() {
	case execctx.KindBool:
		return jsonval.Bool(v.Bool())
	case execctx.KindInt:
		return jsonval.Int(v.Int())
	case execctx.KindFloat:
		return jsonval.Number(v.Float())
	case execctx.KindString:
		return jsonval.String(v.Str())
	case execctx.KindObject, execctx.KindArray:
		return v.JSON()
	}
	return jsonval.Null()
}
