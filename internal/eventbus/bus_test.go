package eventbus

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"devicenerd/internal/jsonval"
)

const (
	typeSensor = 1
	typeButton = 2
)

func TestDeliveryOrder(t *testing.T) {
	b := New(4, 16)
	var got []string
	_, err := b.RegisterHandler(AnyType, "", func(ev Event, _ any) {
		got = append(got, ev.Source)
	}, nil)
	require.NoError(t, err)

	for _, src := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(NewEvent(typeSensor, src, 100, nil)))
	}
	require.Equal(t, 3, b.Process(0))
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Equal(t, 0, b.Pending())
}

func TestHandlerFilters(t *testing.T) {
	b := New(8, 16)
	counts := map[string]int{}
	reg := func(name string, typ int, source string) {
		_, err := b.RegisterHandler(typ, source, func(Event, any) {
			counts[name]++
		}, nil)
		require.NoError(t, err)
	}
	reg("any", AnyType, "")
	reg("sensor", typeSensor, "")
	reg("gpio", AnyType, "gpio0")
	reg("exact", typeButton, "gpio0")

	require.NoError(t, b.Publish(NewEvent(typeSensor, "adc1", 1, nil)))
	require.NoError(t, b.Publish(NewEvent(typeButton, "gpio0", 2, nil)))
	b.Process(0)

	require.Equal(t, 2, counts["any"])
	require.Equal(t, 1, counts["sensor"])
	require.Equal(t, 1, counts["gpio"])
	require.Equal(t, 1, counts["exact"])
}

func TestQueueFull(t *testing.T) {
	b := New(4, 2)
	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 1, nil)))
	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 2, nil)))
	err := b.Publish(NewEvent(typeSensor, "s", 3, nil))
	require.ErrorIs(t, err, ErrQueueFull)

	// Rejected event was not enqueued and nothing was displaced.
	require.Equal(t, 2, b.Pending())
	b.Process(0)
	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 4, nil)))
}

func TestMaxEventsCap(t *testing.T) {
	b := New(4, 16)
	delivered := 0
	b.RegisterHandler(AnyType, "", func(Event, any) { delivered++ }, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(NewEvent(typeSensor, "s", int64(i), nil)))
	}
	require.Equal(t, 2, b.Process(2))
	require.Equal(t, 2, delivered)
	require.Equal(t, 3, b.Pending())
	require.Equal(t, 3, b.Process(0))
	require.Equal(t, 5, delivered)
}

func TestRegistrationDuringProcessing(t *testing.T) {
	b := New(8, 16)
	lateCalls := 0
	b.RegisterHandler(AnyType, "", func(Event, any) {
		b.RegisterHandler(AnyType, "", func(Event, any) { lateCalls++ }, nil)
	}, nil)

	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 1, nil)))
	b.Process(0)
	require.Equal(t, 0, lateCalls, "late handler must not see the current batch")

	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 2, nil)))
	b.Process(0)
	require.Equal(t, 1, lateCalls)
}

func TestPublishFromHandlerDefersToNextCall(t *testing.T) {
	b := New(4, 16)
	var seen []int
	b.RegisterHandler(AnyType, "", func(ev Event, _ any) {
		seen = append(seen, ev.Type)
		if ev.Type == typeSensor {
			require.NoError(t, b.Publish(NewEvent(typeButton, "chain", ev.Timestamp, nil)))
		}
	}, nil)

	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 1, nil)))
	require.Equal(t, 1, b.Process(0))
	require.Equal(t, []int{typeSensor}, seen)
	require.Equal(t, 1, b.Process(0))
	require.Equal(t, []int{typeSensor, typeButton}, seen)
}

func TestUnregister(t *testing.T) {
	b := New(4, 16)
	calls := 0
	id, err := b.RegisterHandler(AnyType, "", func(Event, any) { calls++ }, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 1, nil)))
	b.Process(0)
	require.NoError(t, b.UnregisterHandler(id))
	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 2, nil)))
	b.Process(0)
	require.Equal(t, 1, calls)

	require.ErrorIs(t, b.UnregisterHandler(id), ErrHandlerNotFound)
}

func TestHandlerCapacity(t *testing.T) {
	b := New(2, 4)
	for i := 0; i < 2; i++ {
		_, err := b.RegisterHandler(AnyType, "", func(Event, any) {}, nil)
		require.NoError(t, err)
	}
	_, err := b.RegisterHandler(AnyType, "", func(Event, any) {}, nil)
	require.ErrorIs(t, err, ErrTooManyHandlers)
}

func TestExactlyOnceDelivery(t *testing.T) {
	b := New(8, 32)
	received := map[string]map[string]int{} // handler -> event id -> count
	for _, name := range []string{"h1", "h2", "h3"} {
		name := name
		received[name] = map[string]int{}
		_, err := b.RegisterHandler(AnyType, "", func(ev Event, _ any) {
			received[name][ev.ID]++
		}, nil)
		require.NoError(t, err)
	}

	var ids []string
	for i := 0; i < 32; i++ {
		ev := NewEvent(typeSensor, fmt.Sprintf("src%d", i%4), int64(i), nil)
		ids = append(ids, ev.ID)
		require.NoError(t, b.Publish(ev))
	}
	b.Process(0)

	for name, byID := range received {
		for _, id := range ids {
			require.Equal(t, 1, byID[id], "handler %s event %s", name, id)
		}
	}
}

func TestUserData(t *testing.T) {
	b := New(4, 4)
	var got any
	b.RegisterHandler(AnyType, "", func(_ Event, ud any) { got = ud }, "payload")
	require.NoError(t, b.Publish(NewEvent(typeSensor, "s", 1, nil)))
	b.Process(0)
	require.Equal(t, "payload", got)
}

func TestEventToJSON(t *testing.T) {
	data, err := jsonval.ParseString(`{"value":42}`)
	require.NoError(t, err)

	ev := Event{Type: typeSensor, ID: "e-1", Source: "adc1", Timestamp: 1234, Data: data}
	out := ev.ToJSON()
	require.Equal(t, `{"type":1,"id":"e-1","source":"adc1","timestamp":1234,"data":{"value":42},"dataSize":12}`, out)

	// Round-trips through the parser.
	parsed, err := jsonval.ParseString(out)
	require.NoError(t, err)
	require.Equal(t, int64(1), parsed.GetInt("type"))
	require.Equal(t, "adc1", parsed.GetString("source"))

	noSource := Event{Type: 2, ID: "e-2", Timestamp: 5}
	require.False(t, strings.Contains(noSource.ToJSON(), "source"))
	require.True(t, strings.Contains(noSource.ToJSON(), `"data":null`))
}
