package queue

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/collabtext/replica/internal/crdt"
)

func testLogger() *log.Logger {
	return log.New(testWriter{}, "", 0)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func sampleOp(site string, pos int64) crdt.Operation {
	id := crdt.CharID{Pos: []int64{pos}, Lamport: 1, Site: site}
	return crdt.NewInsert(id, "x")
}

func TestEnqueuePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	q, err := Open(ctx, store, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	qid, err := q.Enqueue(ctx, sampleOp("a", 1))
	if err != nil {
		t.Fatal(err)
	}
	if !q.Healthy() {
		t.Fatal("expected queue to be healthy after a successful persist")
	}

	// P6: a cold restart recovers the operation.
	reopened, err := Open(ctx, store, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	entries := reopened.PeekAll()
	if len(entries) != 1 || entries[0].QueueID != qid {
		t.Fatalf("PeekAll() after reopen = %+v, want entry with id %s", entries, qid)
	}
}

func TestAckRemovesEntryDurably(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	q, err := Open(ctx, store, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	qid, err := q.Enqueue(ctx, sampleOp("a", 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, []string{qid}); err != nil {
		t.Fatal(err)
	}

	if !q.IsEmpty() {
		t.Fatalf("expected queue to be empty after ack, got %d entries", q.Size())
	}

	reopened, err := Open(ctx, store, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.IsEmpty() {
		t.Fatalf("ack was not persisted: reopened queue has %d entries", reopened.Size())
	}
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q, err := Open(ctx, store, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := int64(0); i < 5; i++ {
		id, err := q.Enqueue(ctx, sampleOp("a", i))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	entries := q.PeekAll()
	if len(entries) != len(ids) {
		t.Fatalf("got %d entries, want %d", len(entries), len(ids))
	}
	for i, e := range entries {
		if e.QueueID != ids[i] {
			t.Fatalf("entry %d has id %s, want %s (FIFO order violated)", i, e.QueueID, ids[i])
		}
	}
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q, err := Open(ctx, store, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	qid, err := q.Enqueue(ctx, sampleOp("a", 1))
	if err != nil {
		t.Fatal(err)
	}
	q.mu.Lock()
	for i := range q.entries {
		if q.entries[i].QueueID == qid {
			q.entries[i].EnqueuedAt = time.Now().Add(-8 * 24 * time.Hour)
		}
	}
	q.mu.Unlock()

	evicted, err := q.EvictStale(ctx, DefaultRetention)
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 1 {
		t.Fatalf("EvictStale() evicted %d, want 1", evicted)
	}
	if !q.IsEmpty() {
		t.Fatalf("expected queue empty after eviction, got %d", q.Size())
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (failingStore) Put(context.Context, string, []byte) error         { return ErrStoreUnavailable }
func (failingStore) Delete(context.Context, string) error              { return ErrStoreUnavailable }

func TestEnqueueDegradesOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, failingStore{}, "doc1", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	qid, err := q.Enqueue(ctx, sampleOp("a", 1))
	if err != nil {
		t.Fatalf("Enqueue must not fail the caller on a persistence error, got %v", err)
	}
	if q.Healthy() {
		t.Fatal("expected Healthy() == false after a persistence failure")
	}
	entries := q.PeekAll()
	if len(entries) != 1 || entries[0].QueueID != qid {
		t.Fatalf("operation must remain queryable in memory: %+v", entries)
	}
}
