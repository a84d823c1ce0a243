// Package client is a Go client for the minicached text protocol.
//
// A Client owns a single TCP connection that is dialed lazily and
// redialed after a network failure. All methods are safe for concurrent
// use; commands are serialized over the connection.
//
//	c := client.New(client.Options{Addr: "localhost:11211"})
//	defer c.Close()
//
//	if err := c.Set("greeting", []byte("hello"), 0, 0); err != nil {
//		log.Fatal(err)
//	}
//	item, err := c.Get("greeting")
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrCacheMiss means the key was not present on the server.
	ErrCacheMiss = errors.New("minicached: cache miss")

	// ErrNotStored means a conditional store (add, replace, append,
	// prepend) found the key in the wrong state.
	ErrNotStored = errors.New("minicached: item not stored")

	// ErrCASConflict means the item was modified since it was fetched.
	ErrCASConflict = errors.New("minicached: compare-and-swap conflict")

	// ErrMalformedKey means the key is empty, too long, or contains
	// whitespace or control bytes.
	ErrMalformedKey = errors.New("minicached: malformed key")
)

// ServerError is a CLIENT_ERROR or SERVER_ERROR reply from the server.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return "minicached: " + e.Msg
}

// Item is a single cache entry as seen by the client.
type Item struct {
	Key   string
	Value []byte
	Flags uint32

	// CAS is the compare-and-swap token. It is populated by Gets and
	// GetMulti with withCAS, and consumed by CompareAndSwap.
	CAS uint64
}

// Options configures a Client. The zero value of every field has a
// usable default except Addr, which is required.
type Options struct {
	// Addr is the server address in "host:port" form.
	Addr string

	// DialTimeout bounds connection establishment. Default 5s.
	DialTimeout time.Duration

	// IOTimeout bounds each request/response exchange. Default 10s.
	IOTimeout time.Duration
}

// Client talks to one minicached server.
type Client struct {
	opts Options

	mu   sync.Mutex
	conn net.Conn
	rw   *bufio.ReadWriter
}

// New returns a Client for the given options. No connection is made
// until the first command.
func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 10 * time.Second
	}
	return &Client{opts: opts}
}

// Close tears down the connection. The client can be reused afterwards;
// the next command redials.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

func (c *Client) resetLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rw = nil
	return err
}

func (c *Client) connLocked() (*bufio.ReadWriter, error) {
	if c.conn != nil {
		return c.rw, nil
	}
	conn, err := net.DialTimeout("tcp", c.opts.Addr, c.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return c.rw, nil
}

// roundTrip sends one request and hands the reader to fn for the reply.
// Any transport error drops the connection so the next command redials.
func (c *Client) roundTrip(req []byte, fn func(*bufio.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rw, err := c.connLocked()
	if err != nil {
		return err
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.opts.IOTimeout)); err != nil {
		_ = c.resetLocked()
		return err
	}
	if _, err := rw.Write(req); err != nil {
		_ = c.resetLocked()
		return err
	}
	if err := rw.Flush(); err != nil {
		_ = c.resetLocked()
		return err
	}
	if err := fn(rw.Reader); err != nil {
		if !isProtocolError(err) {
			_ = c.resetLocked()
		}
		return err
	}
	return nil
}

// isProtocolError reports whether err is a well-formed negative reply
// rather than a transport failure. The connection stays usable.
func isProtocolError(err error) bool {
	var se *ServerError
	return errors.Is(err, ErrCacheMiss) ||
		errors.Is(err, ErrNotStored) ||
		errors.Is(err, ErrCASConflict) ||
		errors.As(err, &se)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func statusError(line string) error {
	switch {
	case strings.HasPrefix(line, "CLIENT_ERROR "):
		return &ServerError{Msg: strings.TrimPrefix(line, "CLIENT_ERROR ")}
	case strings.HasPrefix(line, "SERVER_ERROR "):
		return &ServerError{Msg: strings.TrimPrefix(line, "SERVER_ERROR ")}
	case line == "ERROR":
		return &ServerError{Msg: "unknown command"}
	}
	return fmt.Errorf("minicached: unexpected reply %q", line)
}

func legalKey(key string) bool {
	if key == "" || len(key) > 250 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// seconds converts a TTL to whole seconds for the wire, rounding up so
// a short positive TTL never degrades to "no expiry".
func seconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	s := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		s++
	}
	return s
}

// Get fetches a key. Returns ErrCacheMiss if it is absent or expired.
func (c *Client) Get(key string) (*Item, error) {
	items, err := c.retrieve("get", []string{key})
	if err != nil {
		return nil, err
	}
	item, ok := items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return item, nil
}

// Gets fetches a key together with its compare-and-swap token.
func (c *Client) Gets(key string) (*Item, error) {
	items, err := c.retrieve("gets", []string{key})
	if err != nil {
		return nil, err
	}
	item, ok := items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return item, nil
}

// GetMulti fetches several keys in one round trip. Absent keys are
// simply missing from the result; a fully-missed request returns an
// empty map and no error.
func (c *Client) GetMulti(keys ...string) (map[string]*Item, error) {
	return c.retrieve("get", keys)
}

func (c *Client) retrieve(verb string, keys []string) (map[string]*Item, error) {
	if len(keys) == 0 {
		return map[string]*Item{}, nil
	}
	for _, key := range keys {
		if !legalKey(key) {
			return nil, ErrMalformedKey
		}
	}

	req := []byte(verb + " " + strings.Join(keys, " ") + "\r\n")
	items := make(map[string]*Item)

	err := c.roundTrip(req, func(r *bufio.Reader) error {
		for {
			line, err := readLine(r)
			if err != nil {
				return err
			}
			if line == "END" {
				return nil
			}
			item, size, err := parseValueHeader(line)
			if err != nil {
				return err
			}
			item.Value = make([]byte, size)
			if _, err := io.ReadFull(r, item.Value); err != nil {
				return err
			}
			// Trailing CRLF after the payload.
			if _, err := readLine(r); err != nil {
				return err
			}
			items[item.Key] = item
		}
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func parseValueHeader(line string) (*Item, int, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "VALUE" {
		return nil, 0, statusError(line)
	}
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("minicached: bad value header %q", line)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil || size < 0 {
		return nil, 0, fmt.Errorf("minicached: bad value header %q", line)
	}
	item := &Item{Key: fields[1], Flags: uint32(flags)}
	if len(fields) >= 5 {
		cas, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("minicached: bad value header %q", line)
		}
		item.CAS = cas
	}
	return item, size, nil
}

// Set unconditionally stores a value.
func (c *Client) Set(key string, value []byte, flags uint32, ttl time.Duration) error {
	return c.store("set", key, value, flags, ttl, 0)
}

// Add stores a value only if the key is absent. Returns ErrNotStored
// if the key already holds a live entry.
func (c *Client) Add(key string, value []byte, flags uint32, ttl time.Duration) error {
	return c.store("add", key, value, flags, ttl, 0)
}

// Replace stores a value only if the key already exists.
func (c *Client) Replace(key string, value []byte, flags uint32, ttl time.Duration) error {
	return c.store("replace", key, value, flags, ttl, 0)
}

// Append adds bytes after an existing value. The entry's flags, expiry
// and token are untouched.
func (c *Client) Append(key string, value []byte) error {
	return c.store("append", key, value, 0, 0, 0)
}

// Prepend adds bytes before an existing value.
func (c *Client) Prepend(key string, value []byte) error {
	return c.store("prepend", key, value, 0, 0, 0)
}

// CompareAndSwap stores item.Value only if the server-side token still
// equals item.CAS, as previously observed via Gets. Returns
// ErrCASConflict if the entry changed underneath, ErrCacheMiss if it
// disappeared.
func (c *Client) CompareAndSwap(item *Item, ttl time.Duration) error {
	return c.store("cas", item.Key, item.Value, item.Flags, ttl, item.CAS)
}

func (c *Client) store(verb, key string, value []byte, flags uint32, ttl time.Duration, cas uint64) error {
	if !legalKey(key) {
		return ErrMalformedKey
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %d %d %d", verb, key, flags, seconds(ttl), len(value))
	if verb == "cas" {
		fmt.Fprintf(&b, " %d", cas)
	}
	b.WriteString("\r\n")
	req := append([]byte(b.String()), value...)
	req = append(req, '\r', '\n')

	return c.roundTrip(req, func(r *bufio.Reader) error {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		switch line {
		case "STORED":
			return nil
		case "NOT_STORED":
			return ErrNotStored
		case "EXISTS":
			return ErrCASConflict
		case "NOT_FOUND":
			return ErrCacheMiss
		}
		return statusError(line)
	})
}

// Delete removes a key. Returns ErrCacheMiss if it was not present.
func (c *Client) Delete(key string) error {
	if !legalKey(key) {
		return ErrMalformedKey
	}
	req := []byte("delete " + key + "\r\n")
	return c.roundTrip(req, func(r *bufio.Reader) error {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		switch line {
		case "DELETED":
			return nil
		case "NOT_FOUND":
			return ErrCacheMiss
		}
		return statusError(line)
	})
}

// Incr adds delta to a numeric value. The server acknowledges the
// update without echoing the new value; fetch it with Get if needed.
// Returns ErrCacheMiss for absent keys and a ServerError for
// non-numeric values.
func (c *Client) Incr(key string, delta uint64) error {
	return c.arith("incr", key, delta)
}

// Decr subtracts delta from a numeric value, stopping at zero.
func (c *Client) Decr(key string, delta uint64) error {
	return c.arith("decr", key, delta)
}

func (c *Client) arith(verb, key string, delta uint64) error {
	if !legalKey(key) {
		return ErrMalformedKey
	}
	req := []byte(fmt.Sprintf("%s %s %d\r\n", verb, key, delta))
	return c.roundTrip(req, func(r *bufio.Reader) error {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		switch line {
		case "STORED":
			return nil
		case "NOT_FOUND":
			return ErrCacheMiss
		}
		return statusError(line)
	})
}

// FlushAll drops every entry on the server.
func (c *Client) FlushAll() error {
	return c.roundTrip([]byte("flush_all\r\n"), func(r *bufio.Reader) error {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if line == "OK" {
			return nil
		}
		return statusError(line)
	})
}
