package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minicached/minicached"
)

func startServer(t *testing.T) string {
	t.Helper()
	engine := minicached.New(minicached.Options{})
	srv := New(Config{Addr: "127.0.0.1:0"}, engine, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Stop() })
	return l.Addr().String()
}

type session struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *session {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &session{conn: conn, r: bufio.NewReader(conn)}
}

func (s *session) send(t *testing.T, wire string) {
	t.Helper()
	_, err := s.conn.Write([]byte(wire))
	require.NoError(t, err)
}

func (s *session) line(t *testing.T) string {
	t.Helper()
	require.NoError(t, s.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := s.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func TestSetGetRoundTrip(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "set greet 5 0 5\r\nhello\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "get greet\r\n")
	require.Equal(t, "VALUE greet 5 5", s.line(t))
	require.Equal(t, "hello", s.line(t))
	require.Equal(t, "END", s.line(t))
}

func TestGetMultipleKeysOmitsMisses(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "set a 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", s.line(t))
	s.send(t, "set c 0 0 1\r\ny\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "get a b c\r\n")
	require.Equal(t, "VALUE a 0 1", s.line(t))
	require.Equal(t, "x", s.line(t))
	require.Equal(t, "VALUE c 0 1", s.line(t))
	require.Equal(t, "y", s.line(t))
	require.Equal(t, "END", s.line(t))
}

func TestGetsAndCasFlow(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "set k 0 0 2\r\nv1\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "gets k\r\n")
	header := s.line(t)
	var flags, size int
	var token uint64
	_, err := fmt.Sscanf(header, "VALUE k %d %d %d", &flags, &size, &token)
	require.NoError(t, err)
	require.Equal(t, "v1", s.line(t))
	require.Equal(t, "END", s.line(t))

	s.send(t, fmt.Sprintf("cas k 0 0 2 %d\r\nv2\r\n", token))
	require.Equal(t, "STORED", s.line(t))

	// The same token lost its window now.
	s.send(t, fmt.Sprintf("cas k 0 0 2 %d\r\nv3\r\n", token))
	require.Equal(t, "EXISTS", s.line(t))

	s.send(t, "get k\r\n")
	require.Equal(t, "VALUE k 0 2", s.line(t))
	require.Equal(t, "v2", s.line(t))
	require.Equal(t, "END", s.line(t))

	s.send(t, "cas missing 0 0 1 1\r\nx\r\n")
	require.Equal(t, "NOT_FOUND", s.line(t))
}

func TestAddReplaceDelete(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "replace k 0 0 1\r\nx\r\n")
	require.Equal(t, "NOT_STORED", s.line(t))

	s.send(t, "add k 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "add k 0 0 1\r\ny\r\n")
	require.Equal(t, "NOT_STORED", s.line(t))

	s.send(t, "replace k 0 0 1\r\nz\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "delete k\r\n")
	require.Equal(t, "DELETED", s.line(t))

	s.send(t, "delete k\r\n")
	require.Equal(t, "NOT_FOUND", s.line(t))
}

func TestAppendPrepend(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "append k 0 0 1\r\nb\r\n")
	require.Equal(t, "NOT_STORED", s.line(t))

	s.send(t, "set k 0 0 1\r\nb\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "append k 0 0 1\r\nc\r\n")
	require.Equal(t, "STORED", s.line(t))
	s.send(t, "prepend k 0 0 1\r\na\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "get k\r\n")
	require.Equal(t, "VALUE k 0 3", s.line(t))
	require.Equal(t, "abc", s.line(t))
	require.Equal(t, "END", s.line(t))
}

func TestIncrDecr(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "incr n 1\r\n")
	require.Equal(t, "NOT_FOUND", s.line(t))

	s.send(t, "set n 0 0 2\r\n10\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "incr n 5\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "get n\r\n")
	require.Equal(t, "VALUE n 0 2", s.line(t))
	require.Equal(t, "15", s.line(t))
	require.Equal(t, "END", s.line(t))

	s.send(t, "decr n 100\r\n")
	require.Equal(t, "STORED", s.line(t))
	s.send(t, "get n\r\n")
	require.Equal(t, "VALUE n 0 1", s.line(t))
	require.Equal(t, "0", s.line(t))
	require.Equal(t, "END", s.line(t))

	s.send(t, "set word 0 0 3\r\nabc\r\n")
	require.Equal(t, "STORED", s.line(t))
	s.send(t, "incr word 1\r\n")
	require.Equal(t, "CLIENT_ERROR cannot increment", s.line(t))
}

func TestNoReplySuppressesStatus(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "set k 0 0 2 noreply\r\nhi\r\n")
	// No STORED line: the very next reply belongs to the get.
	s.send(t, "get k\r\n")
	require.Equal(t, "VALUE k 0 2", s.line(t))
	require.Equal(t, "hi", s.line(t))
	require.Equal(t, "END", s.line(t))
}

func TestMalformedRequestKeepsConnection(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "set k 0 0\r\n")
	require.True(t, strings.HasPrefix(s.line(t), "CLIENT_ERROR"))

	s.send(t, "bogus\r\n")
	require.Equal(t, "ERROR", s.line(t))

	// Connection is still serviceable.
	s.send(t, "set k 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", s.line(t))
}

func TestFlushAll(t *testing.T) {
	s := dial(t, startServer(t))

	s.send(t, "set k 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", s.line(t))

	s.send(t, "flush_all\r\n")
	require.Equal(t, "OK", s.line(t))

	s.send(t, "get k\r\n")
	require.Equal(t, "END", s.line(t))
}

func TestStopUnblocksIdleConnections(t *testing.T) {
	engine := minicached.New(minicached.Options{})
	srv := New(Config{}, engine, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()

	s := dial(t, l.Addr().String())

	// One request proves the server has accepted the connection; it then
	// sits idle with no read deadline.
	s.send(t, "set k 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", s.line(t))

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a connection sat idle")
	}

	// The idle connection was closed out from under the client.
	require.NoError(t, s.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = s.r.ReadString('\n')
	require.Error(t, err)
}

func TestConcurrentConnectionsShareOneEngine(t *testing.T) {
	addr := startServer(t)
	a := dial(t, addr)
	b := dial(t, addr)

	a.send(t, "set shared 0 0 3\r\nabc\r\n")
	require.Equal(t, "STORED", a.line(t))

	b.send(t, "get shared\r\n")
	require.Equal(t, "VALUE shared 0 3", b.line(t))
	require.Equal(t, "abc", b.line(t))
	require.Equal(t, "END", b.line(t))
}
