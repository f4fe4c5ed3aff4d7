package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"devicenerd/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueOfferDrain(t *testing.T) {
	q := NewQueue(4)
	require.Equal(t, 0, q.Pending())

	for i := 0; i < 3; i++ {
		require.True(t, q.Offer(Request{Raw: []byte{byte('a' + i)}}))
	}
	require.Equal(t, 3, q.Pending())

	var got []string
	n := q.Drain(2, func(req Request) {
		got = append(got, string(req.Raw))
	})
	require.Equal(t, 2, n)
	require.Equal(t, []string{"a", "b"}, got)
	require.Equal(t, 1, q.Pending())

	n = q.Drain(0, func(req Request) {
		got = append(got, string(req.Raw))
	})
	require.Equal(t, 1, n)
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Equal(t, 0, q.Pending())
}

func TestQueueOfferFull(t *testing.T) {
	q := NewQueue(2)
	require.True(t, q.Offer(Request{Raw: []byte("1")}))
	require.True(t, q.Offer(Request{Raw: []byte("2")}))
	require.False(t, q.Offer(Request{Raw: []byte("3")}))
	require.Equal(t, 2, q.Pending())
}

func TestEnvelope(t *testing.T) {
	ok := tools.CreateSuccessResult(`{"value":5}`)
	require.Equal(t, `{"status":0,"result":{"value":5}}`, string(Envelope(ok)))

	empty := tools.CreateSuccessResult("")
	require.Equal(t, `{"status":0,"result":{}}`, string(Envelope(empty)))

	fail := tools.CreateErrorResult(tools.StatusNotFound, "no such tool")
	require.Equal(t, fail.JSON, string(Envelope(fail)))
	require.Contains(t, string(Envelope(fail)), `"error":true`)
}

func TestStdioRun(t *testing.T) {
	q := NewQueue(8)
	in := strings.NewReader("{\"tool\":\"system.ping\"}\n\n  \n{\"tool\":\"system.listTools\"}\n")
	var out bytes.Buffer

	st := NewStdio(q, in, &out)
	require.NoError(t, st.Run(context.Background()))

	var raws []string
	q.Drain(0, func(req Request) {
		raws = append(raws, string(req.Raw))
		require.NoError(t, req.Reply(tools.CreateSuccessResult(`{"ok":true}`)))
	})
	require.Equal(t, []string{`{"tool":"system.ping"}`, `{"tool":"system.listTools"}`}, raws)
	require.Equal(t,
		"{\"status\":0,\"result\":{\"ok\":true}}\n{\"status\":0,\"result\":{\"ok\":true}}\n",
		out.String())
}

func TestStdioQueueFull(t *testing.T) {
	q := NewQueue(1)
	in := strings.NewReader("{\"a\":1}\n{\"b\":2}\n")
	var out bytes.Buffer

	st := NewStdio(q, in, &out)
	require.NoError(t, st.Run(context.Background()))

	require.Equal(t, 1, q.Pending())
	require.Contains(t, out.String(), "request queue full")
}

func TestTCPRoundTrip(t *testing.T) {
	q := NewQueue(8)
	srv := NewTCP(q, "127.0.0.1:0", 50*time.Millisecond)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{\"tool\":\"system.ping\"}\n"))
	require.NoError(t, err)

	var req Request
	require.Eventually(t, func() bool {
		return q.Drain(1, func(r Request) { req = r }) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, `{"tool":"system.ping"}`, string(req.Raw))

	require.NoError(t, req.Reply(tools.CreateSuccessResult(`{"pong":true}`)))

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "{\"status\":0,\"result\":{\"pong\":true}}\n", line)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestTCPQueueFull(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Offer(Request{Raw: []byte("occupied")}))

	srv := NewTCP(q, "127.0.0.1:0", 50*time.Millisecond)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{\"tool\":\"x\"}\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "request queue full")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
