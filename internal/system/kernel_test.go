package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicenerd/internal/arena"
	"devicenerd/internal/config"
	"devicenerd/internal/tools"
	"devicenerd/internal/transport"
)

func bootRAM(t *testing.T) *Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = "" // RAM-only store, no audit DB
	k, err := Boot(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Close()) })
	return k
}

func TestBootAndPing(t *testing.T) {
	k := bootRAM(t)

	res := k.Registry().Execute([]byte(`{"tool":"system.ping","params":{}}`))
	require.True(t, res.OK(), res.JSON)
	require.Contains(t, res.JSON, `"pong":true`)
	require.Contains(t, res.JSON, `"device":"devicenerd"`)

	// Builtins hold tool-region charges from boot.
	stats, err := k.arena.GetStats(arena.RegionTool)
	require.NoError(t, err)
	require.Greater(t, stats.AllocCount, 0)
	require.Greater(t, stats.Used, 0)
}

func TestProcessDrainsQueue(t *testing.T) {
	k := bootRAM(t)

	var replies []string
	ok := k.Queue().Offer(transport.Request{
		Raw: []byte(`{"tool":"system.ping","params":{}}`),
		Reply: func(res tools.Result) error {
			replies = append(replies, string(transport.Envelope(res)))
			return nil
		},
	})
	require.True(t, ok)

	n := k.Process(time.Now())
	require.Equal(t, 1, n)
	require.Len(t, replies, 1)
	require.Contains(t, replies[0], `{"status":0,"result":`)

	require.Equal(t, 0, k.Process(time.Now()))
}

func TestVariablesFeedRuleConditions(t *testing.T) {
	k := bootRAM(t)

	res := k.Registry().Execute([]byte(`{"tool":"system.setVariable","params":{"name":"temp","value":20}}`))
	require.True(t, res.OK(), res.JSON)

	_, err := k.Engine().CreateRule([]byte(`{
		"id": "hot",
		"triggers": [{"kind":"condition","expression":"temp > 25"}],
		"actions": [{"tool":"system.setVariable","params":{"name":"fired","value":"yes"}}]
	}`))
	require.NoError(t, err)

	k.Process(time.Now())
	require.False(t, k.Globals().HasVariable("fired"))

	res = k.Registry().Execute([]byte(`{"tool":"system.setVariable","params":{"name":"temp","value":30}}`))
	require.True(t, res.OK(), res.JSON)

	k.Process(time.Now())
	require.True(t, k.Globals().HasVariable("fired"))

	res = k.Registry().Execute([]byte(`{"tool":"system.getVariable","params":{"name":"fired"}}`))
	require.True(t, res.OK())
	require.Contains(t, res.JSON, `"value":"yes"`)
}

func TestGetVariableUnknown(t *testing.T) {
	k := bootRAM(t)

	res := k.Registry().Execute([]byte(`{"tool":"system.getVariable","params":{"name":"nope"}}`))
	require.Equal(t, tools.StatusNotFound, res.Status)
}

func TestDefineListDescribeRemove(t *testing.T) {
	k := bootRAM(t)

	res := k.Registry().Execute([]byte(`{"tool":"system.defineTool","params":{
		"name": "test.mark",
		"description": "sets a marker variable",
		"implementationType": "composite",
		"implementation": {"steps":[
			{"tool":"system.setVariable","params":{"name":"mark","value":"${v|none}"}}
		]}
	}}`))
	require.True(t, res.OK(), res.JSON)
	require.Contains(t, res.JSON, `"defined":"test.mark"`)

	res = k.Registry().Execute([]byte(`{"tool":"test.mark","params":{"v":"hit"}}`))
	require.True(t, res.OK(), res.JSON)
	require.Equal(t, "hit", k.Globals().GetVariable("mark").Str())

	res = k.Registry().Execute([]byte(`{"tool":"system.listTools","params":{}}`))
	require.True(t, res.OK())
	require.Contains(t, res.JSON, `"name":"test.mark"`)

	res = k.Registry().Execute([]byte(`{"tool":"system.describeTool","params":{"name":"test.mark"}}`))
	require.True(t, res.OK())
	require.Contains(t, res.JSON, `"variant":"composite"`)
	require.Contains(t, res.JSON, `"dynamic":true`)

	res = k.Registry().Execute([]byte(`{"tool":"system.removeTool","params":{"name":"test.mark"}}`))
	require.True(t, res.OK())

	res = k.Registry().Execute([]byte(`{"tool":"test.mark","params":{}}`))
	require.Equal(t, tools.StatusNotFound, res.Status)
}

func TestDefineToolDuplicate(t *testing.T) {
	k := bootRAM(t)

	def := []byte(`{"tool":"system.defineTool","params":{
		"name": "test.dup",
		"implementationType": "composite",
		"implementation": {"steps":[{"tool":"system.ping"}]}
	}}`)
	require.True(t, k.Registry().Execute(def).OK())

	res := k.Registry().Execute(def)
	require.Equal(t, tools.StatusError, res.Status)
	require.Contains(t, res.JSON, "exists")
}

func TestRemoveBuiltinRejected(t *testing.T) {
	k := bootRAM(t)

	res := k.Registry().Execute([]byte(`{"tool":"system.removeTool","params":{"name":"system.ping"}}`))
	require.Equal(t, tools.StatusInvalidParameters, res.Status)
	require.Greater(t, k.Registry().Find("system.ping"), -1)
}

func TestBytecodeConfigActions(t *testing.T) {
	k := bootRAM(t)

	res := k.Registry().Execute([]byte(`{"tool":"system.bytecodeConfig","params":{"action":"getConfig"}}`))
	require.True(t, res.OK())
	require.Contains(t, res.JSON, `"max_stack_size"`)

	res = k.Registry().Execute([]byte(`{"tool":"system.bytecodeConfig","params":{"action":"getRecommended"}}`))
	require.True(t, res.OK())

	// Absurd values are clamped; the echo is the applied config.
	res = k.Registry().Execute([]byte(`{"tool":"system.bytecodeConfig","params":{
		"action": "setConfig",
		"config": {"max_stack_size": 99999999}
	}}`))
	require.True(t, res.OK())
	applied := k.vm.GetConfig()
	rec := k.vm.GetRecommended()
	require.LessOrEqual(t, applied.MaxStackSize, rec.MaxStackSize*4)
	require.Contains(t, res.JSON, `"max_stack_size"`)

	res = k.Registry().Execute([]byte(`{"tool":"system.bytecodeConfig","params":{"action":"resetConfig"}}`))
	require.True(t, res.OK())

	res = k.Registry().Execute([]byte(`{"tool":"system.bytecodeConfig","params":{"action":"getStats"}}`))
	require.True(t, res.OK())
	require.Contains(t, res.JSON, `"executions"`)

	res = k.Registry().Execute([]byte(`{"tool":"system.bytecodeConfig","params":{"action":"selfDestruct"}}`))
	require.Equal(t, tools.StatusInvalidParameters, res.Status)
}

func TestBootRestoresPersistedState(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	k, err := Boot(cfg)
	require.NoError(t, err)

	res := k.Registry().Execute([]byte(`{"tool":"system.defineTool","params":{
		"name": "test.persisted",
		"implementationType": "composite",
		"implementation": {"steps":[{"tool":"system.ping"}]},
		"persistent": true
	}}`))
	require.True(t, res.OK(), res.JSON)

	_, err = k.Engine().CreateRule([]byte(`{
		"id": "persisted-rule",
		"triggers": [{"kind":"manual"}],
		"actions": [{"tool":"system.ping"}]
	}`))
	require.NoError(t, err)
	require.NoError(t, k.Close())

	k2, err := Boot(cfg)
	require.NoError(t, err)
	defer k2.Close()

	require.Greater(t, k2.Registry().Find("test.persisted"), -1)
	require.NotNil(t, k2.Engine().GetRule("persisted-rule"))
}

func TestApplyConfigAdjustsVMLimits(t *testing.T) {
	k := bootRAM(t)

	next := config.Default()
	next.VM.MaxExecutionTimeMs = 1
	k.ApplyConfig(next)
	require.Equal(t, 1, k.vm.GetConfig().MaxExecutionTimeMs)
}
