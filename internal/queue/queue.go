// Package queue implements the outbound operation queue of §4.4: a
// durable FIFO of locally produced operations awaiting relay
// acknowledgement, reconciled by the transport session on every
// reconnect.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabtext/replica/internal/crdt"
	"github.com/collabtext/replica/internal/wire"
)

// DefaultRetention is the eviction window of §4.4: queued operations
// older than this are purged to bound disk growth when a replica has
// been permanently abandoned by its peers.
const DefaultRetention = 7 * 24 * time.Hour

// QueuedOperation is one entry in the outbound queue (§3).
type QueuedOperation struct {
	QueueID    string
	Op         crdt.Operation
	EnqueuedAt time.Time
}

type storedEntry struct {
	QueueID    string         `json:"queueId"`
	Op         wire.OpPayload `json:"op"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

// Queue is the durable FIFO described by §4.4. All mutations are
// serialised by mu and persisted through store before returning, except
// when the store itself has failed, in which case the queue degrades to
// best-effort in-memory operation per E4 and reports Healthy() == false.
type Queue struct {
	mu      sync.Mutex
	store   Store
	key     string
	entries []QueuedOperation
	healthy bool
	logger  *log.Logger
}

// Open loads (or initialises) the outbound queue for docID from store,
// implementing the "queue-<docId>" persisted layout of §6.
func Open(ctx context.Context, store Store, docID string, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[queue] ", log.LstdFlags)
	}
	q := &Queue{store: store, key: "queue-" + docID, healthy: true, logger: logger}

	data, ok, err := store.Get(ctx, q.key)
	if err != nil {
		q.healthy = false
		q.logger.Printf("load failed for %s, starting empty: %v", docID, err)
		return q, nil
	}
	if !ok || len(data) == 0 {
		return q, nil
	}

	var stored []storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("queue: corrupt persisted queue for %s: %w", docID, err)
	}
	for _, se := range stored {
		op, err := se.Op.ToOperation()
		if err != nil {
			q.logger.Printf("dropping corrupt queue entry %s: %v", se.QueueID, err)
			continue
		}
		q.entries = append(q.entries, QueuedOperation{QueueID: se.QueueID, Op: op, EnqueuedAt: se.EnqueuedAt})
	}
	return q, nil
}

// Healthy reports whether the last persistence attempt succeeded (E4's
// "queue-health indicator").
func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.healthy
}

// Enqueue appends op and persists the queue synchronously before
// returning, per §4.4. If persistence fails, the operation is still held
// in memory (E4) and the queue is marked unhealthy; the caller is not
// blocked from continuing to collaborate.
func (q *Queue) Enqueue(ctx context.Context, op crdt.Operation) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.entries = append(q.entries, QueuedOperation{QueueID: id, Op: op, EnqueuedAt: time.Now()})

	if err := q.persistLocked(ctx); err != nil {
		q.healthy = false
		q.logger.Printf("enqueue %s: persistence failed, degrading to memory-only: %v", id, err)
		return id, nil
	}
	q.healthy = true
	return id, nil
}

// PeekAll returns a snapshot of the queued entries in enqueue order.
func (q *Queue) PeekAll() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedOperation, len(q.entries))
	copy(out, q.entries)
	return out
}

// Ack removes the named entries and persists the result.
func (q *Queue) Ack(ctx context.Context, queueIDs []string) error {
	if len(queueIDs) == 0 {
		return nil
	}
	acked := make(map[string]struct{}, len(queueIDs))
	for _, id := range queueIDs {
		acked[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if _, done := acked[e.QueueID]; !done {
			kept = append(kept, e)
		}
	}
	q.entries = kept

	if err := q.persistLocked(ctx); err != nil {
		q.healthy = false
		q.logger.Printf("ack: persistence failed, degrading to memory-only: %v", err)
		return nil
	}
	q.healthy = true
	return nil
}

// EvictStale removes entries older than maxAge and persists the result,
// returning the number of entries removed.
func (q *Queue) EvictStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0:0]
	evicted := 0
	for _, e := range q.entries {
		if e.EnqueuedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept

	if evicted == 0 {
		return 0, nil
	}
	if err := q.persistLocked(ctx); err != nil {
		q.healthy = false
		q.logger.Printf("evict: persistence failed, degrading to memory-only: %v", err)
		return evicted, nil
	}
	q.healthy = true
	return evicted, nil
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue currently holds no entries.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// persistLocked serialises the full entry set and writes it through the
// store. Callers must hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	stored := make([]storedEntry, len(q.entries))
	for i, e := range q.entries {
		stored[i] = storedEntry{QueueID: e.QueueID, Op: wire.FromOperation(e.Op), EnqueuedAt: e.EnqueuedAt}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.store.Put(ctx, q.key, data); err != nil {
		return err
	}
	return nil
}
