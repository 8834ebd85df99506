// Package transport implements the reconnecting transport session of
// §4.5: a backoff-bounded bidirectional channel to the relay that
// reconciles the outbound queue on every reconnect and delivers inbound
// operations and acknowledgements upward.
package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/collabtext/replica/internal/crdt"
	"github.com/collabtext/replica/internal/queue"
	"github.com/collabtext/replica/internal/wire"
)

// State is one of the four states of the §4.5 state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// reconcileYield is the inter-send pause during a reconciliation pass
// (§4.5: "Yield briefly between sends (>= 10 ms)").
const reconcileYield = 15 * time.Millisecond

// Status is the user-visible connection summary of §7: a status badge
// plus a pending-operations count.
type Status struct {
	State      State
	PendingOps int
	Syncing    bool
	LastError  error
}

// Session is the transport session of C5.
type Session struct {
	dialer Dialer
	url    string
	site   string
	q      *queue.Queue
	onOp   func(crdt.Operation)
	logger *log.Logger
	bo     backoff.BackOff

	// writeMu serialises every conn.WriteMessage call. gorilla/websocket
	// allows only one concurrent writer per connection, and Send (from the
	// application goroutine) and reconcile (its own goroutine after every
	// reconnect) both write to the same conn, so every write site must
	// take this lock rather than calling WriteMessage directly.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	syncing    bool
	lastErr    error
	closed     bool
	generation int
}

// writeLocked serialises access to conn.WriteMessage across Send and
// reconcile so concurrent writers never interleave frames on the wire.
func (s *Session) writeLocked(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// NewSession constructs a session that dials url, persists/reconciles
// through q, and delivers decoded remote operations to onOp.
func NewSession(dialer Dialer, url, site string, q *queue.Queue, onOp func(crdt.Operation), logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(log.Writer(), "[transport] ", log.LstdFlags)
	}
	return &Session{
		dialer: dialer,
		url:    url,
		site:   site,
		q:      q,
		onOp:   onOp,
		logger: logger,
		bo:     newScheduleBackoff(),
		state:  StateDisconnected,
	}
}

// Status returns a snapshot of the session's connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, PendingOps: s.q.Size(), Syncing: s.syncing, LastError: s.lastErr}
}

// Open transitions Disconnected -> Connecting and starts the connect
// loop. It is a no-op if the session is already open or has been closed.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	gen := s.generation
	s.mu.Unlock()

	go s.connectLoop(ctx, gen)
}

// ManualReconnect resets the attempt counter and triggers an immediate
// connect, per §7's "a manual reconnect action resets the attempt
// counter and triggers an immediate connect".
func (s *Session) ManualReconnect(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	oldConn := s.conn
	s.conn = nil
	s.bo.Reset()
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	if oldConn != nil {
		oldConn.Close()
	}
	go s.connectLoop(ctx, gen)
}

// Close transitions to the terminal Disconnected state, cancels any
// pending reconnect, and drops in-flight messages. The queue is not
// drained; its entries stay in its store. A closed session cannot be
// reopened: Open is a no-op after Close.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateDisconnected
	s.generation++
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send transmits op if the session is Connected, falling back to
// enqueueing it otherwise (§4.5's "Send path from application").
func (s *Session) Send(ctx context.Context, op crdt.Operation) error {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	if state == StateConnected && conn != nil {
		data, err := wire.EncodeClientMessage(op, false, "")
		if err != nil {
			return err
		}
		if err := s.writeLocked(conn, data); err != nil {
			if _, qerr := s.q.Enqueue(ctx, op); qerr != nil {
				s.logger.Printf("send: write failed (%v) and enqueue failed: %v", err, qerr)
			}
			return err
		}
		return nil
	}

	_, err := s.q.Enqueue(ctx, op)
	return err
}

// connectLoop drives Connecting -> Connected -> (Reconnecting ->
// Connecting)* until it gives up, the session is closed, or ctx is
// cancelled. gen pins this goroutine to the generation it was started
// under; any state mutation from a newer generation (Close,
// ManualReconnect) causes it to exit.
func (s *Session) connectLoop(ctx context.Context, gen int) {
	for {
		if s.stoppedOrStale(gen) {
			return
		}

		conn, err := s.dialer.Dial(ctx, s.url)
		if err != nil {
			if !s.recordFailureAndMaybeWait(ctx, gen, err) {
				return
			}
			continue
		}

		if s.installConn(gen, conn) {
			s.logger.Printf("connected to %s", s.url)
			go s.reconcile(ctx, gen)
			s.readPump(gen, conn)
		} else {
			conn.Close()
			return
		}

		if s.stoppedOrStale(gen) {
			return
		}
		s.markDropped(gen)
		if !s.recordFailureAndMaybeWait(ctx, gen, nil) {
			return
		}
	}
}

func (s *Session) stoppedOrStale(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.generation != gen
}

func (s *Session) installConn(gen int, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		return false
	}
	s.conn = conn
	s.state = StateConnected
	s.lastErr = nil
	s.bo.Reset()
	return true
}

func (s *Session) markDropped(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		return
	}
	s.conn = nil
	s.state = StateReconnecting
}

// recordFailureAndMaybeWait records a failed attempt/drop, waits out the
// next backoff delay, and returns false (caller should stop) once the
// schedule is exhausted or the session stops in the meantime.
func (s *Session) recordFailureAndMaybeWait(ctx context.Context, gen int, err error) bool {
	delay := s.bo.NextBackOff()

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return false
	}
	if err != nil {
		s.lastErr = err
	}
	if delay == backoff.Stop {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Printf("giving up after repeated failures: %v", err)
		return false
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.logger.Printf("retrying in %s: %v", delay, err)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnecting
	s.mu.Unlock()
	return true
}

// readPump delivers inbound frames until the connection errors out.
func (s *Session) readPump(gen int, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.stoppedOrStale(gen) {
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	msg, err := wire.DecodeServerMessage(data)
	if err != nil {
		s.logger.Printf("dropping malformed frame: %v", err)
		return
	}
	ctx := context.Background()
	switch msg.Type {
	case wire.TypeOperation:
		if msg.Operation == nil {
			return
		}
		op, err := msg.Operation.ToOperation()
		if err != nil {
			s.logger.Printf("dropping malformed operation: %v", err)
			return
		}
		if s.onOp != nil {
			s.onOp(op)
		}
	case wire.TypeOperationAck:
		if msg.Success != nil && *msg.Success && msg.OperationID != "" {
			if err := s.q.Ack(ctx, []string{msg.OperationID}); err != nil {
				s.logger.Printf("ack %s: %v", msg.OperationID, err)
			}
		}
	case wire.TypeUsersUpdate:
		if msg.Count != nil {
			s.logger.Printf("relay reports %d connected participant(s)", *msg.Count)
		}
	}
}

// reconcile is the one-shot resend of §4.5, performed on every Connected
// transition.
func (s *Session) reconcile(ctx context.Context, gen int) {
	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	for _, entry := range s.q.PeekAll() {
		s.mu.Lock()
		conn := s.conn
		stillConnected := s.state == StateConnected && s.generation == gen && !s.closed
		s.mu.Unlock()
		if !stillConnected || conn == nil {
			return
		}

		data, err := wire.EncodeClientMessage(entry.Op, true, entry.QueueID)
		if err != nil {
			s.logger.Printf("reconcile: encode %s: %v", entry.QueueID, err)
			continue
		}
		if err := s.writeLocked(conn, data); err != nil {
			s.logger.Printf("reconcile: send %s: %v", entry.QueueID, err)
			return
		}

		select {
		case <-time.After(reconcileYield):
		case <-ctx.Done():
			return
		}
	}
}
