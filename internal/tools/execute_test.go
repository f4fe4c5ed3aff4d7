package tools

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"devicenerd/internal/jsonval"
	"devicenerd/internal/vm"
)

// logRecorder captures system.log messages for pipeline assertions.
type logRecorder struct {
	messages []string
}

func (l *logRecorder) handler(_ *Invocation, params *jsonval.Value) Result {
	l.messages = append(l.messages, params.GetString("message"))
	return CreateSuccessResult("")
}

func TestExecuteNative(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("device.echo", echoHandler, ""))

	res := r.Execute([]byte(`{"tool":"device.echo","params":{"a":1}}`))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, `{"a":1}`, res.JSON)
}

func TestExecuteErrors(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("device.echo", echoHandler, ""))

	require.Equal(t, StatusInvalidParameters, r.Execute([]byte(`not json`)).Status)
	require.Equal(t, StatusInvalidParameters, r.Execute([]byte(`{"params":{}}`)).Status)
	require.Equal(t, StatusNotFound, r.Execute([]byte(`{"tool":"nope","params":{}}`)).Status)
}

func TestExecutePanicBecomesExecutionError(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("device.boom", func(*Invocation, *jsonval.Value) Result {
		panic("wire fault")
	}, ""))

	res := r.Execute([]byte(`{"tool":"device.boom","params":{}}`))
	require.Equal(t, StatusExecutionError, res.Status)
}

func TestSchemaValidation(t *testing.T) {
	r := New(Options{})
	schema := `{"properties":{"x":{"type":"integer"},"name":{"type":"string"}},"required":["x"]}`
	require.NoError(t, r.RegisterLegacy("device.set", echoHandler, schema))

	tests := []struct {
		params string
		want   Status
	}{
		{`{"x":3}`, StatusSuccess},
		{`{"x":3,"name":"pump"}`, StatusSuccess},
		{`{}`, StatusInvalidParameters},
		{`{"x":"three"}`, StatusInvalidParameters},
		{`{"x":3.5}`, StatusInvalidParameters},
		{`{"x":3,"name":7}`, StatusInvalidParameters},
	}
	for _, tt := range tests {
		res := r.Execute([]byte(`{"tool":"device.set","params":` + tt.params + `}`))
		require.Equal(t, tt.want, res.Status, "params %s", tt.params)
	}
}

func TestCompositeChain(t *testing.T) {
	rec := &logRecorder{}
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("system.log", rec.handler, ""))

	define := `{"tool":"system.defineTool","params":{
		"name":"test.chain",
		"description":"log twice",
		"implementationType":"composite",
		"implementation":{"steps":[
			{"tool":"system.log","params":{"message":"${greeting|hello}"}},
			{"tool":"system.log","params":{"message":"done: ${step1|?}"}}
		]}}}`
	require.NoError(t, r.RegisterDynamic([]byte(define)))

	res := r.Execute([]byte(`{"tool":"test.chain","params":{}}`))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"hello", "done: ?"}, rec.messages)

	rec.messages = nil
	res = r.Execute([]byte(`{"tool":"test.chain","params":{"greeting":"hi","step1":"x"}}`))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"hi", "done: x"}, rec.messages)
}

func TestCompositeResultStore(t *testing.T) {
	var seen int64
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("device.read", func(*Invocation, *jsonval.Value) Result {
		return CreateSuccessResult(`{"value":42}`)
	}, ""))
	require.NoError(t, r.RegisterLegacy("device.check", func(_ *Invocation, params *jsonval.Value) Result {
		seen = params.GetInt("value")
		return CreateSuccessResult("")
	}, ""))

	// The second step's params is a raw template: the stored result
	// object is spliced in whole.
	define := `{"tool":"system.defineTool","params":{
		"name":"test.readcheck",
		"implementationType":"composite",
		"implementation":{"steps":[
			{"tool":"device.read","params":{},"store":"reading"},
			{"tool":"device.check","params":"${reading}"}
		]}}}`
	require.NoError(t, r.RegisterDynamic([]byte(define)))

	res := r.Execute([]byte(`{"tool":"test.readcheck","params":{}}`))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, int64(42), seen)
}

func TestCompositeStopsOnFailure(t *testing.T) {
	rec := &logRecorder{}
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("system.log", rec.handler, ""))
	require.NoError(t, r.RegisterLegacy("device.fail", func(*Invocation, *jsonval.Value) Result {
		return CreateErrorResult(StatusExecutionError, "sensor offline")
	}, ""))

	define := `{"tool":"system.defineTool","params":{
		"name":"test.failing",
		"implementationType":"composite",
		"implementation":{"steps":[
			{"tool":"system.log","params":{"message":"before"}},
			{"tool":"device.fail","params":{}},
			{"tool":"system.log","params":{"message":"after"}}
		]}}}`
	require.NoError(t, r.RegisterDynamic([]byte(define)))

	res := r.Execute([]byte(`{"tool":"test.failing","params":{}}`))
	require.Equal(t, StatusExecutionError, res.Status)
	require.Equal(t, []string{"before"}, rec.messages, "third step must not run")
}

func TestBytecodeTool(t *testing.T) {
	prog := &vm.Program{
		Name: "adder",
		Instructions: []vm.Instruction{
			vm.PushNum(2), vm.PushNum(3), vm.Add(), vm.Halt(),
		},
	}
	r := New(Options{VM: vm.NewManager(nil)})
	define := fmt.Sprintf(`{"tool":"system.defineTool","params":{
		"name":"test.add",
		"implementationType":"bytecode",
		"implementation":{"program":%q}}}`, vm.EncodeBase64(prog))
	require.NoError(t, r.RegisterDynamic([]byte(define)))

	res := r.Execute([]byte(`{"tool":"test.add","params":{}}`))
	require.Equal(t, StatusSuccess, res.Status)
	parsed, err := jsonval.ParseString(res.JSON)
	require.NoError(t, err)
	require.Equal(t, float64(5), parsed.GetFloat("value"))
}

func TestRegisterDynamicRejectsBadInput(t *testing.T) {
	r := New(Options{})
	cases := []string{
		`{"tool":"system.defineTool"}`,
		`{"tool":"system.defineTool","params":{"name":""}}`,
		`{"tool":"system.defineTool","params":{"name":"x","implementationType":"composite"}}`,
		`{"tool":"system.defineTool","params":{"name":"x","implementationType":"teleport","implementation":{}}}`,
		`{"tool":"system.defineTool","params":{"name":"x","implementationType":"composite","implementation":{"steps":[]}}}`,
		`{"tool":"system.defineTool","params":{"name":"x","implementationType":"script","implementation":{}}}`,
		`{"tool":"system.defineTool","params":{"name":"x","implementationType":"bytecode","implementation":{"program":"!!!"}}}`,
		`{"tool":"system.defineTool","params":{"name":"x","implementationType":"composite",
			"implementation":{"steps":[{"tool":"a"}]},"schema":{"required":"x"}}}`,
	}
	for _, c := range cases {
		require.ErrorIs(t, r.RegisterDynamic([]byte(c)), ErrInvalidArg, "input %s", c)
		require.Equal(t, 0, r.Count(), "no partial state after %s", c)
	}
}

func TestInvokeBuildsEnvelope(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.RegisterLegacy("device.echo", echoHandler, ""))

	res := r.Invoke("device.echo", `{"k":"v"}`, nil)
	require.Equal(t, `{"k":"v"}`, res.JSON)

	res = r.Invoke("device.echo", "", nil)
	require.Equal(t, "{}", res.JSON)
}
