// Package server ties the RESP codec, the command dispatcher, and the
// replication coordinator together into a running TCP listener.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rediskv/internal/command"
	"rediskv/internal/logging"
	"rediskv/internal/repl"
	"rediskv/internal/resp"
	"rediskv/internal/store"
)

// Server owns the listener, the value store, the command dispatcher, and
// (when acting as master) the replica sink registry.
type Server struct {
	config     *Config
	dispatcher *command.Dispatcher
	registry   *repl.Registry

	listener net.Listener

	connections     sync.Map
	connIDCounter   atomic.Int64
	activeConnCount atomic.Int64

	wg           sync.WaitGroup
	shutdownChan chan struct{}
	mu           sync.Mutex
	isShutdown   bool
}

// New builds a Server. role and replID come from the caller because they
// depend on whether cfg.IsReplica() — that decision is made once at
// bootstrap, in cmd/server. The dispatcher's replica count callback is this
// server's own registry.
func New(cfg *Config, role command.Role, replID string) *Server {
	s := store.New()
	registry := repl.NewRegistry()

	d := command.New(s, command.Info{
		Role:         role,
		ReplID:       replID,
		ReplicaCount: registry.Count,
	})

	return &Server{
		config:       cfg,
		dispatcher:   d,
		registry:     registry,
		shutdownChan: make(chan struct{}),
	}
}

// Registry exposes the replica sink registry. Inside this package it is
// used by serve (to register a sink on PSYNC) and propagate (to fan out
// writes); from outside, it lets callers inspect the registered sinks.
func (s *Server) Registry() *repl.Registry { return s.registry }

// Dispatcher exposes the command dispatcher so a replica session (which
// runs outside the accept loop, on the outbound connection to the master)
// can apply the replication stream to the same store every client sees.
func (s *Server) Dispatcher() *command.Dispatcher { return s.dispatcher }

// Start listens on cfg.Host:cfg.Port and serves connections until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = listener
	logging.Infof("listening on %s", addr)

	go s.acceptConnections(ctx)

	<-ctx.Done()
	return nil
}

func (s *Server) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.isShutdown
			s.mu.Unlock()
			if down {
				return
			}
			logging.Warnf("accept error: %v", err)
			continue
		}

		if s.config.MaxConnections > 0 && s.activeConnCount.Load() >= int64(s.config.MaxConnections) {
			logging.Warnf("max connections reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	connID := s.connIDCounter.Add(1)
	s.activeConnCount.Add(1)
	defer s.activeConnCount.Add(-1)

	s.connections.Store(connID, conn)
	defer s.connections.Delete(connID)

	logID := uuid.NewString()
	logging.WithField("conn", logID).Debugf("connection opened: %s", conn.RemoteAddr())

	handedOver, err := s.serve(conn, logID)
	if handedOver {
		// Ownership of conn passed to the replica registry — it closes the
		// connection itself when the sink is dropped, not us.
		return
	}
	conn.Close()

	if err != nil && !errors.Is(err, io.EOF) {
		logging.WithField("conn", logID).Debugf("connection closed: %v", err)
	}
}

// serve runs the decode-dispatch-encode loop for one connection. It
// returns handedOver=true once a PSYNC has registered conn as a replica
// sink, at which point it stops reading and the caller must not close conn.
func (s *Server) serve(conn net.Conn, logID string) (handedOver bool, err error) {
	if s.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		v, decErr := resp.Decode(reader)
		if decErr != nil {
			return false, decErr
		}
		if v.Type != resp.Array {
			continue
		}

		out := s.dispatcher.Dispatch(v.Elems)

		if _, werr := writer.Write(resp.Encode(out.Value)); werr != nil {
			return false, werr
		}

		switch out.Kind {
		case command.ReplyThenHandover:
			if _, werr := writer.Write(snapshotFrame(out.Snapshot)); werr != nil {
				return false, werr
			}
			if werr := writer.Flush(); werr != nil {
				return false, werr
			}
			s.registry.Register(conn)
			return true, nil
		default:
			if werr := writer.Flush(); werr != nil {
				return false, werr
			}
		}

		s.propagate(v.Elems)
	}
}

// propagate re-encodes the original decoded command array (never a
// reconstructed one) and fans it out to every replica sink, but only for
// commands that mutate the store and only when this server is a master.
func (s *Server) propagate(args []resp.Value) {
	if s.dispatcher == nil || s.config.IsReplica() || len(args) == 0 {
		return
	}
	name, ok := commandUpperName(args[0])
	if !ok || !command.WriteCommands[name] {
		return
	}
	s.registry.Propagate(resp.Encode(resp.Arr(args...)))
}

func commandUpperName(v resp.Value) (string, bool) {
	switch v.Type {
	case resp.SimpleString, resp.BulkString:
		return upper(v.Str), true
	case resp.BinaryBulkString:
		return upper(string(v.Bytes)), true
	default:
		return "", false
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// snapshotFrame builds the `$<len>\r\n<bytes>` handover framing — note the
// deliberate absence of a trailing CRLF, unlike every other bulk reply.
func snapshotFrame(snapshot []byte) []byte {
	frame := make([]byte, 0, len(snapshot)+16)
	frame = append(frame, '$')
	frame = append(frame, []byte(fmt.Sprintf("%d", len(snapshot)))...)
	frame = append(frame, '\r', '\n')
	frame = append(frame, snapshot...)
	return frame
}

// Shutdown closes the listener and every open connection, waiting up to
// five seconds for in-flight handlers to return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	logging.Infof("shutting down")
	close(s.shutdownChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Infof("all connections closed")
	case <-time.After(5 * time.Second):
		logging.Warnf("shutdown timeout reached, forcing exit")
	}
}
