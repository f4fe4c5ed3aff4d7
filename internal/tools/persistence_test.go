package tools

import (
	"testing"

	"github.com/stretchr/testify/require"

	"devicenerd/internal/jsonval"
	"devicenerd/internal/kvstore"
)

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	s, err := kvstore.Open(kvstore.Config{Size: 8192})
	require.NoError(t, err)
	return s
}

const defineT1 = `{"tool":"system.defineTool","params":{
	"name":"t1",
	"implementationType":"composite",
	"implementation":{"steps":[{"tool":"system.log","params":{"message":"x is ${x}"}}]},
	"schema":{"properties":{"x":{"type":"integer"}},"required":["x"]},
	"persistent":true}}`

func TestPersistenceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	rec := &logRecorder{}

	r := New(Options{Store: store})
	require.NoError(t, r.RegisterLegacy("system.log", rec.handler, ""))
	require.NoError(t, r.RegisterDynamic([]byte(defineT1)))
	require.True(t, store.Exists("tool_t1"))

	before := r.Execute([]byte(`{"tool":"t1","params":{"x":7}}`))
	require.Equal(t, StatusSuccess, before.Status)

	// Simulated reboot: reopen the registry over the same backing
	// bytes and rehydrate.
	reopened, err := kvstore.OpenImage(store.Image(), kvstore.Config{})
	require.NoError(t, err)
	r2 := New(Options{Store: reopened})
	require.NoError(t, r2.RegisterLegacy("system.log", rec.handler, ""))
	n, err := r2.LoadAllDynamic()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.GreaterOrEqual(t, r2.Find("t1"), 0)
	def := r2.GetDefinition("t1")
	require.True(t, def.IsDynamic)
	require.True(t, def.Persistent)

	// Missing required param still rejected after reload.
	res := r2.Execute([]byte(`{"tool":"t1","params":{}}`))
	require.Equal(t, StatusInvalidParameters, res.Status)

	// Same input produces a byte-equal result.
	after := r2.Execute([]byte(`{"tool":"t1","params":{"x":7}}`))
	require.Equal(t, before.JSON, after.JSON)
}

func TestSaveDynamicErrors(t *testing.T) {
	r := New(Options{})
	require.ErrorIs(t, r.SaveDynamic("t1"), ErrNoStore)

	r = New(Options{Store: newTestStore(t)})
	require.ErrorIs(t, r.SaveDynamic("missing"), ErrNotFound)

	require.NoError(t, r.RegisterLegacy("native.tool", echoHandler, ""))
	require.ErrorIs(t, r.SaveDynamic("native.tool"), ErrInvalidArg)
}

func TestLoadDynamicUnknownKey(t *testing.T) {
	r := New(Options{Store: newTestStore(t)})
	require.ErrorIs(t, r.LoadDynamic("ghost"), kvstore.ErrNotFound)
}

func TestLoadAllSkipsCorruptEntries(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Write("tool_bad", []byte("not json")))
	require.NoError(t, store.Write("rule_r1", []byte("{}")))

	r := New(Options{Store: store})
	require.NoError(t, r.RegisterLegacy("system.log", (&logRecorder{}).handler, ""))
	require.NoError(t, r.RegisterDynamic([]byte(defineT1)))

	r2 := New(Options{Store: store})
	require.NoError(t, r2.RegisterLegacy("system.log", (&logRecorder{}).handler, ""))
	n, err := r2.LoadAllDynamic()
	require.NoError(t, err)
	require.Equal(t, 1, n, "only t1 loads; tool_bad and rule_r1 are skipped")
}

func TestUnregisterRemovesPersistedCopy(t *testing.T) {
	store := newTestStore(t)
	r := New(Options{Store: store})
	require.NoError(t, r.RegisterLegacy("system.log", (&logRecorder{}).handler, ""))
	require.NoError(t, r.RegisterDynamic([]byte(defineT1)))
	require.True(t, store.Exists("tool_t1"))

	require.NoError(t, r.Unregister("t1"))
	require.False(t, store.Exists("tool_t1"))
}

func TestPersistedPayloadIsSourceParams(t *testing.T) {
	store := newTestStore(t)
	r := New(Options{Store: store})
	require.NoError(t, r.RegisterLegacy("system.log", (&logRecorder{}).handler, ""))
	require.NoError(t, r.RegisterDynamic([]byte(defineT1)))

	raw, err := store.Read("tool_t1")
	require.NoError(t, err)
	parsed, perr := jsonval.Parse(raw)
	require.NoError(t, perr)
	require.Equal(t, "t1", parsed.GetString("name"))
	require.True(t, parsed.GetBool("persistent"))
}
