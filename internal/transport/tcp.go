package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"devicenerd/internal/logging"
	"devicenerd/internal/tools"
)

const defaultReadTimeout = 5 * time.Second

// TCP serves the line-framed protocol to multiple concurrent
// connections. Reads carry a deadline so connections notice
// cancellation without data.
type TCP struct {
	queue       *Queue
	addr        string
	readTimeout time.Duration
	ln          net.Listener
	log         *logging.Logger
}

func NewTCP(queue *Queue, addr string, readTimeout time.Duration) *TCP {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &TCP{
		queue:       queue,
		addr:        addr,
		readTimeout: readTimeout,
		log:         logging.Get(logging.CategoryTransport),
	}
}

// Listen binds the listener. Separate from Run so callers can learn
// the bound address before serving.
func (t *TCP) Listen() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.addr, err)
	}
	t.ln = ln
	t.log.Info("tcp transport listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address. Empty before Listen.
func (t *TCP) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Run accepts connections until the context is cancelled. Each
// connection gets its own reader goroutine under the group.
func (t *TCP) Run(ctx context.Context) error {
	if t.ln == nil {
		if err := t.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return t.ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := t.ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				t.serveConn(ctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *TCP) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	t.log.Debug("connection from %s", conn.RemoteAddr())

	var wmu sync.Mutex
	reply := func(res tools.Result) error {
		wmu.Lock()
		defer wmu.Unlock()
		_, err := conn.Write(append(Envelope(res), '\n'))
		if err != nil {
			t.log.Error("write to %s failed, response dropped: %v", conn.RemoteAddr(), err)
		}
		return err
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && len(line) == 0 {
				// Idle connection; poll cancellation and keep waiting.
				continue
			}
			if len(bytes.TrimSpace(line)) == 0 {
				return
			}
			// Fall through to handle a final unterminated line.
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		raw := make([]byte, len(trimmed))
		copy(raw, trimmed)
		if !t.queue.Offer(Request{Raw: raw, Reply: reply}) {
			_ = reply(tools.CreateErrorResult(tools.StatusError, "request queue full"))
		}
		if err != nil {
			return
		}
	}
}
