package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func read(t *testing.T, wire string) (*Command, error) {
	t.Helper()
	return NewReader(strings.NewReader(wire), 0).ReadCommand()
}

func TestReadSet(t *testing.T) {
	cmd, err := read(t, "set greet 7 60 5\r\nhello\r\n")
	require.NoError(t, err)
	require.Equal(t, CmdSet, cmd.Name)
	require.Equal(t, "greet", cmd.Key)
	require.Equal(t, uint32(7), cmd.Flags)
	require.Equal(t, int64(60), cmd.Exptime)
	require.Equal(t, []byte("hello"), cmd.Data)
	require.False(t, cmd.NoReply)
}

func TestReadSetNoReply(t *testing.T) {
	cmd, err := read(t, "set k 0 0 2 noreply\r\nhi\r\n")
	require.NoError(t, err)
	require.True(t, cmd.NoReply)
	require.Equal(t, []byte("hi"), cmd.Data)
}

func TestReadCas(t *testing.T) {
	cmd, err := read(t, "cas k 1 0 3 42\r\nabc\r\n")
	require.NoError(t, err)
	require.Equal(t, CmdCas, cmd.Name)
	require.Equal(t, uint64(42), cmd.CAS)
	require.Equal(t, []byte("abc"), cmd.Data)
}

func TestReadGetMultiKey(t *testing.T) {
	cmd, err := read(t, "get a b c\r\n")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, cmd.Keys)

	cmd, err = read(t, "gets a\r\n")
	require.NoError(t, err)
	require.Equal(t, CmdGets, cmd.Name)
	require.Equal(t, []string{"a"}, cmd.Keys)
}

func TestReadIncrDecr(t *testing.T) {
	cmd, err := read(t, "incr n 5\r\n")
	require.NoError(t, err)
	require.Equal(t, "n", cmd.Key)
	require.Equal(t, uint64(5), cmd.Delta)

	cmd, err = read(t, "decr n 3 noreply\r\n")
	require.NoError(t, err)
	require.Equal(t, CmdDecr, cmd.Name)
	require.True(t, cmd.NoReply)
}

func TestReadDeleteAndFlush(t *testing.T) {
	cmd, err := read(t, "delete k\r\n")
	require.NoError(t, err)
	require.Equal(t, CmdDelete, cmd.Name)
	require.Equal(t, "k", cmd.Key)

	cmd, err = read(t, "flush_all noreply\r\n")
	require.NoError(t, err)
	require.Equal(t, CmdFlushAll, cmd.Name)
	require.True(t, cmd.NoReply)
}

func TestReadBinaryPayload(t *testing.T) {
	// Payload bytes are opaque, including CR and LF.
	wire := "set bin 0 0 4\r\na\r\nb\r\n"
	cmd, err := read(t, wire)
	require.NoError(t, err)
	require.Equal(t, []byte("a\r\nb"), cmd.Data)
}

func TestMalformedRequests(t *testing.T) {
	cases := map[string]string{
		"set_too_few_args":   "set k 0 0\r\n",
		"set_bad_flags":      "set k nope 0 1\r\nx\r\n",
		"set_bad_length":     "set k 0 0 banana\r\n",
		"cas_bad_token":      "cas k 0 0 1 nope\r\nx\r\n",
		"incr_bad_delta":     "incr k five\r\n",
		"get_without_key":    "get\r\n",
		"bad_data_trailer":   "set k 0 0 2\r\nhiXX",
		"negative_length":    "set k 0 0 -1\r\n",
		"delete_without_key": "delete\r\n",
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := read(t, wire)
			var ce *ClientError
			require.ErrorAs(t, err, &ce, "wire %q", wire)
		})
	}
}

func TestMalformedDoesNotKillStream(t *testing.T) {
	r := NewReader(strings.NewReader("incr k five\r\nget a\r\n"), 0)

	_, err := r.ReadCommand()
	var ce *ClientError
	require.ErrorAs(t, err, &ce)

	cmd, err := r.ReadCommand()
	require.NoError(t, err)
	require.Equal(t, CmdGet, cmd.Name)
}

func TestOverlongLineRejectedAndStreamRealigned(t *testing.T) {
	// The junk line far exceeds the reader's fixed buffer; it must be
	// discarded through its newline without growing memory, and the next
	// request must parse normally.
	wire := "get " + strings.Repeat("k", 64<<10) + "\r\nget a\r\n"
	r := NewReader(strings.NewReader(wire), 0)

	_, err := r.ReadCommand()
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Contains(t, ce.Msg, "too long")

	cmd, err := r.ReadCommand()
	require.NoError(t, err)
	require.Equal(t, CmdGet, cmd.Name)
	require.Equal(t, []string{"a"}, cmd.Keys)
}

func TestOverlongLineWithoutNewline(t *testing.T) {
	// Stream dies mid-flood: report a truncation, not a parse error.
	r := NewReader(strings.NewReader(strings.Repeat("x", 64<<10)), 0)
	_, err := r.ReadCommand()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestUnknownCommand(t *testing.T) {
	_, err := read(t, "explode now\r\n")
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestOversizedValueRejected(t *testing.T) {
	r := NewReader(strings.NewReader("set k 0 0 100\r\n"), 10)
	_, err := r.ReadCommand()
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
}

func TestEndOfSession(t *testing.T) {
	_, err := read(t, "")
	require.ErrorIs(t, err, io.EOF)

	_, err = read(t, "\r\n")
	require.ErrorIs(t, err, io.EOF)
}

func TestTruncatedPayload(t *testing.T) {
	_, err := read(t, "set k 0 0 10\r\nhi")
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReplyWriters(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteStatus(&buf, StatusStored))
	require.NoError(t, WriteValue(&buf, "k", 7, []byte("hello")))
	require.NoError(t, WriteValueWithCAS(&buf, "k", 7, []byte("hello"), 3))
	require.NoError(t, WriteEnd(&buf))
	require.NoError(t, WriteClientError(&buf, "bad command line format"))
	require.NoError(t, WriteServerError(&buf, "boom"))

	want := "STORED\r\n" +
		"VALUE k 7 5\r\nhello\r\n" +
		"VALUE k 7 5 3\r\nhello\r\n" +
		"END\r\n" +
		"CLIENT_ERROR bad command line format\r\n" +
		"SERVER_ERROR boom\r\n"
	require.Equal(t, want, buf.String())
}

func TestClientErrorMessage(t *testing.T) {
	err := clientErrorf("bad %s", "thing")
	require.Contains(t, err.Error(), "bad thing")
}
