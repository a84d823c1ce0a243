// Package protocol implements the line-oriented memcached-style text protocol:
// request parsing on the server side and reply framing for both sides.
//
// A request is a single CRLF-terminated line; the first whitespace-delimited
// token selects the command. Storage commands (set, add, replace, append,
// prepend, cas) are followed by exactly <bytes> payload bytes plus CRLF.
//
// Malformed requests surface as *ClientError so the connection handler can
// report CLIENT_ERROR and keep the connection alive without ever consulting
// the engine.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command names accepted on the wire.
const (
	CmdGet      = "get"
	CmdGets     = "gets"
	CmdSet      = "set"
	CmdAdd      = "add"
	CmdReplace  = "replace"
	CmdAppend   = "append"
	CmdPrepend  = "prepend"
	CmdCas      = "cas"
	CmdDelete   = "delete"
	CmdIncr     = "incr"
	CmdDecr     = "decr"
	CmdFlushAll = "flush_all"
)

// Reply status lines.
const (
	StatusStored    = "STORED"
	StatusNotStored = "NOT_STORED"
	StatusDeleted   = "DELETED"
	StatusNotFound  = "NOT_FOUND"
	StatusExists    = "EXISTS"
	StatusOK        = "OK"
	StatusError     = "ERROR"
)

const (
	crlf = "\r\n"

	// DefaultMaxValueSize bounds storage payloads (1 MiB, memcached's
	// historical default).
	DefaultMaxValueSize = 1 << 20

	// maxLineLen bounds a single request line. Keys and numeric arguments
	// fit comfortably; anything longer is a hostile or broken client.
	maxLineLen = 8192
)

// ErrUnknownCommand reports a syntactically complete line whose first token
// is not a known command. The server answers with a bare ERROR line.
var ErrUnknownCommand = errors.New("protocol: unknown command")

// ClientError marks a malformed request. The request never reaches the
// engine; the connection survives.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string { return "client error: " + e.Msg }

func clientErrorf(format string, args ...any) error {
	return &ClientError{Msg: fmt.Sprintf(format, args...)}
}

// Command is one parsed client request.
type Command struct {
	Name    string
	Key     string   // single-key commands
	Keys    []string // get/gets
	Flags   uint32
	Exptime int64 // TTL seconds; 0 = never expire
	CAS     uint64
	Delta   uint64
	Data    []byte // storage command payload
	NoReply bool
}

// Reader parses client requests from a connection.
type Reader struct {
	r        *bufio.Reader
	maxValue int
}

// NewReader wraps r. maxValue bounds storage payload sizes;
// <= 0 selects DefaultMaxValueSize. The line buffer is fixed at maxLineLen
// so a client can never grow server memory by withholding a newline.
func NewReader(r io.Reader, maxValue int) *Reader {
	if maxValue <= 0 {
		maxValue = DefaultMaxValueSize
	}
	return &Reader{r: bufio.NewReaderSize(r, maxLineLen), maxValue: maxValue}
}

// ReadCommand reads and parses one complete request, including the payload of
// storage commands. Parse failures return *ClientError; an empty line or a
// closed connection returns io.EOF; everything else is an I/O error.
func (pr *Reader) ReadCommand() (*Command, error) {
	line, err := pr.readLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		// Clients end a session with a bare empty line.
		return nil, io.EOF
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		// Whitespace-only lines end the session like empty ones.
		return nil, io.EOF
	}
	cmd := &Command{Name: strings.ToLower(fields[0])}

	switch cmd.Name {
	case CmdGet, CmdGets:
		if len(fields) < 2 {
			return nil, clientErrorf("%s requires at least one key", cmd.Name)
		}
		cmd.Keys = fields[1:]
		return cmd, nil

	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend:
		return pr.parseStorage(cmd, fields, false)

	case CmdCas:
		return pr.parseStorage(cmd, fields, true)

	case CmdDelete:
		if len(fields) < 2 {
			return nil, clientErrorf("delete requires a key")
		}
		cmd.Key = fields[1]
		cmd.NoReply = hasNoReply(fields[2:])
		return cmd, nil

	case CmdIncr, CmdDecr:
		if len(fields) < 3 {
			return nil, clientErrorf("%s requires a key and a delta", cmd.Name)
		}
		cmd.Key = fields[1]
		delta, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, clientErrorf("invalid numeric delta argument")
		}
		cmd.Delta = delta
		cmd.NoReply = hasNoReply(fields[3:])
		return cmd, nil

	case CmdFlushAll:
		cmd.NoReply = hasNoReply(fields[1:])
		return cmd, nil
	}

	return nil, ErrUnknownCommand
}

// readLine returns one request line without its terminator. The buffer never
// grows past maxLineLen: an overlong line is discarded through its newline
// and reported as a ClientError, leaving the stream aligned on the next
// request.
func (pr *Reader) readLine() (string, error) {
	slice, err := pr.r.ReadSlice('\n')
	if err == nil {
		return strings.TrimRight(string(slice), crlf), nil
	}
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = pr.r.ReadSlice('\n')
		}
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}
		return "", clientErrorf("request line too long")
	}
	if err == io.EOF {
		if strings.TrimSpace(string(slice)) == "" {
			return "", io.EOF
		}
		return "", io.ErrUnexpectedEOF
	}
	return "", err
}

// parseStorage handles "<cmd> <key> <flags> <exptime> <bytes> [casunique]
// [noreply]" plus the payload block that follows the line.
func (pr *Reader) parseStorage(cmd *Command, fields []string, withCAS bool) (*Command, error) {
	want := 5
	if withCAS {
		want = 6
	}
	if len(fields) < want {
		return nil, clientErrorf("bad command line format")
	}

	cmd.Key = fields[1]

	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, clientErrorf("bad flags")
	}
	cmd.Flags = uint32(flags)

	cmd.Exptime, err = strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, clientErrorf("bad exptime")
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || size < 0 {
		return nil, clientErrorf("bad data length")
	}
	if size > int64(pr.maxValue) {
		return nil, clientErrorf("object too large for cache")
	}

	rest := fields[5:]
	if withCAS {
		cmd.CAS, err = strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return nil, clientErrorf("bad cas value")
		}
		rest = fields[6:]
	}
	cmd.NoReply = hasNoReply(rest)

	// Payload plus the trailing CRLF.
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(pr.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if string(buf[size:]) != crlf {
		return nil, clientErrorf("bad data chunk")
	}
	cmd.Data = buf[:size]
	return cmd, nil
}

func hasNoReply(fields []string) bool {
	for _, f := range fields {
		if strings.EqualFold(f, "noreply") {
			return true
		}
	}
	return false
}

// WriteStatus writes a bare status line such as STORED or NOT_FOUND.
func WriteStatus(w io.Writer, status string) error {
	_, err := io.WriteString(w, status+crlf)
	return err
}

// WriteClientError reports a malformed request.
func WriteClientError(w io.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "CLIENT_ERROR %s%s", msg, crlf)
	return err
}

// WriteServerError reports an unexpected processing failure. The connection
// is expected to stay open.
func WriteServerError(w io.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "SERVER_ERROR %s%s", msg, crlf)
	return err
}

// WriteValue writes one "VALUE <key> <flags> <bytes>" block.
func WriteValue(w io.Writer, key string, flags uint32, value []byte) error {
	if _, err := fmt.Fprintf(w, "VALUE %s %d %d%s", key, flags, len(value), crlf); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	_, err := io.WriteString(w, crlf)
	return err
}

// WriteValueWithCAS is WriteValue plus the entry's CAS token, as returned for
// a gets request.
func WriteValueWithCAS(w io.Writer, key string, flags uint32, value []byte, cas uint64) error {
	if _, err := fmt.Fprintf(w, "VALUE %s %d %d %d%s", key, flags, len(value), cas, crlf); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	_, err := io.WriteString(w, crlf)
	return err
}

// WriteEnd terminates a get/gets reply. It is written regardless of how many
// keys were found.
func WriteEnd(w io.Writer) error {
	_, err := io.WriteString(w, "END"+crlf)
	return err
}
