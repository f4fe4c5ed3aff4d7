// Package transport carries newline-framed JSON request envelopes
// from external controllers into the kernel and writes response
// envelopes back. Transports only enqueue; the kernel drains the
// queue on its own tick, keeping dispatch single-threaded.
package transport

import (
	"strconv"
	"strings"

	"devicenerd/internal/logging"
	"devicenerd/internal/tools"
)

// Request is one received envelope together with its reply path.
type Request struct {
	Raw   []byte
	Reply func(res tools.Result) error
}

// Queue is the bounded hand-off between transport goroutines and the
// kernel loop.
type Queue struct {
	ch  chan Request
	log *logging.Logger
}

const defaultQueueSize = 64

// NewQueue builds a queue. Non-positive sizes use the default.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		ch:  make(chan Request, size),
		log: logging.Get(logging.CategoryTransport),
	}
}

// Offer enqueues a request without blocking. False means the queue
// is full and the caller should reject the request.
func (q *Queue) Offer(req Request) bool {
	select {
	case q.ch <- req:
		return true
	default:
		q.log.Warn("request queue full, rejecting")
		return false
	}
}

// Drain hands up to max pending requests (all when max <= 0) to
// handle and returns the number processed.
func (q *Queue) Drain(max int, handle func(Request)) int {
	n := 0
	for {
		if max > 0 && n >= max {
			return n
		}
		select {
		case req := <-q.ch:
			handle(req)
			n++
		default:
			return n
		}
	}
}

// Pending reports the number of queued requests.
func (q *Queue) Pending() int { return len(q.ch) }

// Envelope renders a tool result as the wire response: the result's
// own error body for failures, {"status":0,"result":...} for success.
func Envelope(res tools.Result) []byte {
	if !res.OK() {
		return []byte(res.JSON)
	}
	var b strings.Builder
	b.WriteString(`{"status":`)
	b.WriteString(strconv.Itoa(int(res.Status)))
	b.WriteString(`,"result":`)
	b.WriteString(res.JSON)
	b.WriteByte('}')
	return []byte(b.String())
}
