// Package eventbus carries typed events between runtime components
// through a bounded FIFO queue with synchronous, ordered dispatch.
package eventbus

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"devicenerd/internal/jsonval"
)

// AnyType is the wildcard event type for handler filters.
const AnyType = -1

// Event is a single bus message. Events move through the queue by
// value; Data ownership stays with the publisher and the bus never
// mutates it.
type Event struct {
	Type      int
	ID        string
	Source    string
	Timestamp int64 // unix milliseconds
	Data      *jsonval.Value
}

// NewEvent builds an event with a fresh ID and the given timestamp.
func NewEvent(typ int, source string, timestampMs int64, data *jsonval.Value) Event {
	return Event{
		Type:      typ,
		ID:        uuid.NewString(),
		Source:    source,
		Timestamp: timestampMs,
		Data:      data,
	}
}

// DataSize reports the serialized size of the payload in bytes.
func (e Event) DataSize() int {
	if e.Data == nil {
		return 0
	}
	return len(jsonval.Stringify(e.Data))
}

// ToJSON renders the event as a compact JSON object.
func (e Event) ToJSON() string {
	var b strings.Builder
	b.WriteString(`{"type":`)
	b.WriteString(strconv.Itoa(e.Type))
	b.WriteString(`,"id":`)
	b.WriteString(jsonval.Stringify(jsonval.String(e.ID)))
	if e.Source != "" {
		b.WriteString(`,"source":`)
		b.WriteString(jsonval.Stringify(jsonval.String(e.Source)))
	}
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteString(`,"data":`)
	if e.Data == nil {
		b.WriteString("null")
	} else {
		b.WriteString(jsonval.Stringify(e.Data))
	}
	b.WriteString(`,"dataSize":`)
	b.WriteString(strconv.Itoa(e.DataSize()))
	b.WriteByte('}')
	return b.String()
}
