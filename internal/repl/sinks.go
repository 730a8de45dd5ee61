// Package repl implements both sides of this server's replication
// protocol: the master-side registry of replica sinks that write commands
// fan out to, and the replica-side handshake driver and propagation
// consumer.
package repl

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/uuid"

	"rediskv/internal/logging"
)

// Sink is a connected replica from the master's point of view: a writable
// stream plus a lock so concurrent client goroutines propagating writes
// never interleave bytes on it.
type Sink struct {
	id     string
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
}

// Registry is the master's set of connected replica sinks. The lock is
// held only to add, remove, or snapshot the member list — fan-out writes
// happen outside it, so a slow replica does not block registration,
// removal or Count. Within one Propagate call the sinks are written one
// after another, so a slow sink delays the sinks written after it.
type Registry struct {
	mu    sync.Mutex
	sinks map[string]*Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]*Sink)}
}

// Register adopts conn as a replica sink, generating a log-friendly id for
// it. Called once a PSYNC handshake completes on conn.
func (r *Registry) Register(conn net.Conn) *Sink {
	s := &Sink{
		id:     uuid.NewString(),
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}

	r.mu.Lock()
	r.sinks[s.id] = s
	r.mu.Unlock()

	logging.WithField("replica", s.id).Infof("replica registered: %s", conn.RemoteAddr())
	return s
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sinks, id)
	r.mu.Unlock()
}

// Count returns the number of currently registered sinks — what WAIT
// reports, per spec.md's simplified WAIT semantics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// snapshot copies out the current sink list under the lock, so Propagate
// can write to each one without holding the registry lock during I/O.
func (r *Registry) snapshot() []*Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s)
	}
	return out
}

// Propagate writes raw (an already-encoded RESP array) to every registered
// sink. A sink whose write fails is logged, closed and dropped from the
// registry — it does not fail the originating client's command.
func (r *Registry) Propagate(raw []byte) {
	for _, s := range r.snapshot() {
		s.mu.Lock()
		_, err := s.writer.Write(raw)
		if err == nil {
			err = s.writer.Flush()
		}
		s.mu.Unlock()

		if err != nil {
			logging.WithField("replica", s.id).Warnf("dropping replica, write failed: %v", err)
			r.remove(s.id)
			s.conn.Close()
		}
	}
}
