// Package server runs the TCP front end: one goroutine per client
// connection, all sharing a single cache engine. Each connection loops
// read-command / engine-call / write-reply; the engine lock is never held
// across network I/O because a command is fully parsed before the engine is
// consulted.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/minicached/minicached"
	"github.com/minicached/minicached/protocol"
)

// Config tunes the server. Addr is required.
type Config struct {
	Addr         string
	IdleTimeout  time.Duration // per-read deadline; 0 disables
	MaxValueSize int           // storage payload bound; 0 => protocol default
}

// Server accepts connections and serves the text protocol against one Engine.
type Server struct {
	cfg    Config
	engine *minicached.Engine
	log    minicached.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	connWG sync.WaitGroup
}

// New builds a Server around an existing engine. A nil logger disables
// logging.
func New(cfg Config, engine *minicached.Engine, log minicached.Logger) *Server {
	if log == nil {
		log = minicached.NopLogger{}
	}
	return &Server{cfg: cfg, engine: engine, log: log, conns: make(map[net.Conn]struct{})}
}

// ListenAndServe listens on cfg.Addr and serves until Stop is called.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections from l until Stop closes it. Returns nil on
// graceful stop.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return errors.New("server: already stopped")
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("listening", minicached.Fields{"addr": l.Addr().String()})

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", minicached.Fields{"err": err.Error()})
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connWG.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.connWG.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, closes every active connection, and waits for
// their goroutines to drain. Idle connections therefore never hold up
// shutdown; their pending reads fail immediately.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.connWG.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("connection opened", minicached.Fields{"remote": remote})
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.log.Debug("connection closed", minicached.Fields{"remote": remote})
	}()

	r := protocol.NewReader(conn, s.cfg.MaxValueSize)
	w := bufio.NewWriter(conn)

	for {
		if s.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return
			}
		}

		cmd, err := r.ReadCommand()
		if err != nil {
			var ce *protocol.ClientError
			switch {
			case errors.Is(err, io.EOF):
				return
			case errors.As(err, &ce):
				// Malformed request; the engine was never consulted and
				// the connection survives.
				if protocol.WriteClientError(w, ce.Msg) != nil || w.Flush() != nil {
					return
				}
				continue
			case errors.Is(err, protocol.ErrUnknownCommand):
				if protocol.WriteStatus(w, protocol.StatusError) != nil || w.Flush() != nil {
					return
				}
				continue
			default:
				s.log.Debug("read failed", minicached.Fields{"remote": remote, "err": err.Error()})
				return
			}
		}

		s.dispatch(w, cmd)
		if w.Flush() != nil {
			return
		}
	}
}

// handlerFunc serves one parsed command; returned errors are write failures.
type handlerFunc func(*Server, io.Writer, *protocol.Command) error

// handlers is the complete command surface. Dispatch is a plain map lookup;
// unknown names never reach here (the reader rejects them first).
var handlers = map[string]handlerFunc{
	protocol.CmdGet:      (*Server).handleGet,
	protocol.CmdGets:     (*Server).handleGets,
	protocol.CmdSet:      (*Server).handleSet,
	protocol.CmdAdd:      (*Server).handleAdd,
	protocol.CmdReplace:  (*Server).handleReplace,
	protocol.CmdAppend:   (*Server).handleAppend,
	protocol.CmdPrepend:  (*Server).handlePrepend,
	protocol.CmdCas:      (*Server).handleCas,
	protocol.CmdDelete:   (*Server).handleDelete,
	protocol.CmdIncr:     (*Server).handleIncr,
	protocol.CmdDecr:     (*Server).handleDecr,
	protocol.CmdFlushAll: (*Server).handleFlushAll,
}

// dispatch runs a command's handler. A panic anywhere in processing becomes a
// SERVER_ERROR line naming the failure; the connection stays open.
func (s *Server) dispatch(w io.Writer, cmd *protocol.Command) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("request panicked", minicached.Fields{"cmd": cmd.Name, "panic": fmt.Sprint(rec)})
			_ = protocol.WriteServerError(w, fmt.Sprint(rec))
		}
	}()

	h, ok := handlers[cmd.Name]
	if !ok {
		_ = protocol.WriteStatus(w, protocol.StatusError)
		return
	}
	_ = h(s, w, cmd)
}

// reply writes a status line unless the request asked for noreply. Read
// commands never go through here; they always answer.
func reply(w io.Writer, cmd *protocol.Command, status string) error {
	if cmd.NoReply {
		return nil
	}
	return protocol.WriteStatus(w, status)
}

func ttl(cmd *protocol.Command) time.Duration {
	return time.Duration(cmd.Exptime) * time.Second
}

func (s *Server) handleGet(w io.Writer, cmd *protocol.Command) error {
	items := s.engine.GetMulti(cmd.Keys)
	for _, k := range cmd.Keys {
		if it, ok := items[k]; ok {
			if err := protocol.WriteValue(w, k, it.Flags, it.Value); err != nil {
				return err
			}
		}
	}
	return protocol.WriteEnd(w)
}

func (s *Server) handleGets(w io.Writer, cmd *protocol.Command) error {
	items := s.engine.GetMulti(cmd.Keys)
	for _, k := range cmd.Keys {
		if it, ok := items[k]; ok {
			if err := protocol.WriteValueWithCAS(w, k, it.Flags, it.Value, it.CAS); err != nil {
				return err
			}
		}
	}
	return protocol.WriteEnd(w)
}

func (s *Server) handleSet(w io.Writer, cmd *protocol.Command) error {
	s.engine.Set(cmd.Key, cmd.Data, cmd.Flags, ttl(cmd))
	return reply(w, cmd, protocol.StatusStored)
}

func (s *Server) handleAdd(w io.Writer, cmd *protocol.Command) error {
	if s.engine.Add(cmd.Key, cmd.Data, cmd.Flags, ttl(cmd)) {
		return reply(w, cmd, protocol.StatusStored)
	}
	return reply(w, cmd, protocol.StatusNotStored)
}

func (s *Server) handleReplace(w io.Writer, cmd *protocol.Command) error {
	if s.engine.Replace(cmd.Key, cmd.Data, cmd.Flags, ttl(cmd)) {
		return reply(w, cmd, protocol.StatusStored)
	}
	return reply(w, cmd, protocol.StatusNotStored)
}

// Flags and exptime on append/prepend lines are accepted and ignored; the
// existing entry keeps its own.
func (s *Server) handleAppend(w io.Writer, cmd *protocol.Command) error {
	if s.engine.Append(cmd.Key, cmd.Data) {
		return reply(w, cmd, protocol.StatusStored)
	}
	return reply(w, cmd, protocol.StatusNotStored)
}

func (s *Server) handlePrepend(w io.Writer, cmd *protocol.Command) error {
	if s.engine.Prepend(cmd.Key, cmd.Data) {
		return reply(w, cmd, protocol.StatusStored)
	}
	return reply(w, cmd, protocol.StatusNotStored)
}

func (s *Server) handleCas(w io.Writer, cmd *protocol.Command) error {
	switch s.engine.CompareAndSwap(cmd.Key, cmd.Data, cmd.Flags, ttl(cmd), cmd.CAS) {
	case minicached.CASStored:
		return reply(w, cmd, protocol.StatusStored)
	case minicached.CASNotFound:
		return reply(w, cmd, protocol.StatusNotFound)
	default:
		return reply(w, cmd, protocol.StatusExists)
	}
}

func (s *Server) handleDelete(w io.Writer, cmd *protocol.Command) error {
	if s.engine.Delete(cmd.Key) {
		return reply(w, cmd, protocol.StatusDeleted)
	}
	return reply(w, cmd, protocol.StatusNotFound)
}

func (s *Server) handleIncr(w io.Writer, cmd *protocol.Command) error {
	return s.arith(w, cmd, "cannot increment", s.engine.Incr)
}

func (s *Server) handleDecr(w io.Writer, cmd *protocol.Command) error {
	return s.arith(w, cmd, "cannot decrement", s.engine.Decr)
}

func (s *Server) arith(w io.Writer, cmd *protocol.Command, failMsg string, op func(string, uint64) (uint64, error)) error {
	_, err := op(cmd.Key, cmd.Delta)
	switch {
	case errors.Is(err, minicached.ErrNotFound):
		return reply(w, cmd, protocol.StatusNotFound)
	case errors.Is(err, minicached.ErrNotNumeric):
		if cmd.NoReply {
			return nil
		}
		return protocol.WriteClientError(w, failMsg)
	case err != nil:
		return protocol.WriteServerError(w, err.Error())
	}
	return reply(w, cmd, protocol.StatusStored)
}

func (s *Server) handleFlushAll(w io.Writer, cmd *protocol.Command) error {
	s.engine.FlushAll()
	return reply(w, cmd, protocol.StatusOK)
}
