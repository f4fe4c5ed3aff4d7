package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"devicenerd/internal/logging"
	"devicenerd/internal/tools"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 256 * 1024

// Stdio frames requests over an io.Reader/io.Writer pair, one JSON
// envelope per line. In production that pair is the process's stdin
// and stdout.
type Stdio struct {
	queue *Queue
	in    io.Reader
	out   io.Writer
	mu    sync.Mutex
	log   *logging.Logger
}

func NewStdio(queue *Queue, in io.Reader, out io.Writer) *Stdio {
	return &Stdio{
		queue: queue,
		in:    in,
		out:   out,
		log:   logging.Get(logging.CategoryTransport),
	}
}

// Run reads request lines until EOF or cancellation. Each line is
// enqueued for the kernel; a full queue is answered immediately with
// an error envelope.
func (t *Stdio) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		if !t.queue.Offer(Request{Raw: raw, Reply: t.reply}) {
			_ = t.reply(tools.CreateErrorResult(tools.StatusError, "request queue full"))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	t.log.Info("stdio transport closed")
	return nil
}

func (t *Stdio) reply(res tools.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.out.Write(append(Envelope(res), '\n'))
	if err != nil {
		t.log.Error("stdio write failed, response dropped: %v", err)
	}
	return err
}
