// Package crdt implements the per-replica state of §4.2 and the operation
// model of §4.3: the sorted sequence of live characters, the tombstone
// set, the Lamport clock, and the local/remote edit operations that
// mutate them while preserving I1-I6.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/collabtext/replica/internal/posid"
)

// ErrInvalidIndex is E2: a local edit named an index outside the live
// sequence's bounds.
var ErrInvalidIndex = errors.New("crdt: index out of range")

// ErrMalformedOperation is E1: a remote operation is missing required
// fields or is otherwise structurally invalid.
var ErrMalformedOperation = errors.New("crdt: malformed operation")

// Character is one element of the live sequence: a disambiguated
// identifier and the scalar value inserted at it.
type Character struct {
	ID    CharID
	Value string
}

// Replica holds one participant's authoritative view of the shared
// document: its site id, Lamport clock, live character sequence (I1), and
// tombstone set (I2, I3). All exported methods take the replica's mutex,
// implementing the single-threaded event-loop model of §5 by mutual
// exclusion rather than by a dedicated goroutine, matching the shared
// mutex the teacher's own applyOp uses to protect its document state.
type Replica struct {
	mu      sync.Mutex
	site    string
	lamport uint64
	live    []Character
	tomb    map[string]struct{}
}

// New creates an empty replica bound to site.
func New(site string) *Replica {
	return &Replica{
		site: site,
		tomb: make(map[string]struct{}),
	}
}

// SiteID returns this replica's stable site identifier.
func (r *Replica) SiteID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.site
}

// Lamport returns the current value of the logical clock.
func (r *Replica) Lamport() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lamport
}

// Len returns the number of live characters.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Text returns the concatenation of live character values in PosId order
// (I5).
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, c := range r.live {
		sb.WriteString(c.Value)
	}
	return sb.String()
}

func (r *Replica) charIDAt(index int) CharID {
	return r.live[index].ID
}

// LocalInsert inserts value at index (0 <= index <= len) and returns the
// resulting operation for transmission to peers.
func (r *Replica) LocalInsert(index int, value string) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index > len(r.live) {
		return Operation{}, fmt.Errorf("%w: insert at %d, length %d", ErrInvalidIndex, index, len(r.live))
	}

	var lo, hi posid.ID
	if index > 0 {
		lo = r.charIDAt(index - 1).Pos
	}
	if index < len(r.live) {
		hi = r.charIDAt(index).Pos
	}

	pos, err := posid.Between(lo, hi)
	if err != nil {
		return Operation{}, fmt.Errorf("crdt: allocate position: %w", err)
	}

	r.lamport++
	id := CharID{Pos: pos, Lamport: r.lamport, Site: r.site}
	c := Character{ID: id, Value: value}

	r.live = append(r.live, Character{})
	copy(r.live[index+1:], r.live[index:])
	r.live[index] = c

	return NewInsert(id, value), nil
}

// LocalDelete removes the character at index (0 <= index < len) and
// returns the resulting operation, or ok=false if index is out of range.
func (r *Replica) LocalDelete(index int) (op Operation, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.live) {
		return Operation{}, false
	}

	c := r.live[index]
	r.lamport++
	r.tomb[c.ID.Key()] = struct{}{}
	r.live = append(r.live[:index], r.live[index+1:]...)

	return NewDelete(c.ID, r.lamport, r.site), true
}

// advanceClock implements the first, unconditional step of applyRemote:
// the clock always jumps past any timestamp this replica has observed.
func (r *Replica) advanceClock(ts uint64) {
	if ts > r.lamport {
		r.lamport = ts
	}
	r.lamport++
}

// liveIndexOf returns the index at which id is present in the live
// sequence, or -1 if it is absent.
func (r *Replica) liveIndexOf(id CharID) int {
	i := sort.Search(len(r.live), func(i int) bool {
		return CompareCharID(r.live[i].ID, id) >= 0
	})
	if i < len(r.live) && CompareCharID(r.live[i].ID, id) == 0 {
		return i
	}
	return -1
}

// insertionIndexFor returns the index at which id belongs in the sorted
// live sequence.
func (r *Replica) insertionIndexFor(id CharID) int {
	return sort.Search(len(r.live), func(i int) bool {
		return CompareCharID(r.live[i].ID, id) >= 0
	})
}

// ApplyRemote applies an operation received from a peer, following the
// idempotent, commutative semantics of §4.2. It rejects malformed
// operations with E1 and otherwise never fails.
func (r *Replica) ApplyRemote(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.advanceClock(op.Timestamp)

	switch op.Kind {
	case KindInsert:
		key := op.Target.Key()
		if _, deleted := r.tomb[key]; deleted {
			return nil
		}
		if r.liveIndexOf(op.Target) >= 0 {
			return nil
		}
		idx := r.insertionIndexFor(op.Target)
		r.live = append(r.live, Character{})
		copy(r.live[idx+1:], r.live[idx:])
		r.live[idx] = Character{ID: op.Target, Value: op.Value}

	case KindDelete:
		r.tomb[op.Target.Key()] = struct{}{}
		if idx := r.liveIndexOf(op.Target); idx >= 0 {
			r.live = append(r.live[:idx], r.live[idx+1:]...)
		}
	}
	return nil
}

// Snapshot is the serialisable form of a replica's state, persisted under
// the state-<docId> key of §6.
type Snapshot struct {
	Live       []Character `json:"live"`
	Tombstones []CharID    `json:"tombstones"`
	Lamport    uint64      `json:"lamport"`
	SiteID     string      `json:"siteId"`
}

// Snapshot returns a serialisable copy of the current state.
func (r *Replica) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]Character, len(r.live))
	copy(live, r.live)

	tomb := make([]CharID, 0, len(r.tomb))
	for k := range r.tomb {
		id, err := parseCharIDKey(k)
		if err == nil {
			tomb = append(tomb, id)
		}
	}

	return Snapshot{Live: live, Tombstones: tomb, Lamport: r.lamport, SiteID: r.site}
}

// Restore loads a previously captured snapshot, revalidating I1-I4; on
// any violation it leaves the replica untouched and returns an error, per
// §6's "a failure falls back to an empty replica" (left to the caller: it
// should discard this replica and start fresh rather than retry Restore).
func (r *Replica) Restore(s Snapshot) error {
	live := make([]Character, len(s.Live))
	copy(live, s.Live)
	for i := 1; i < len(live); i++ {
		if CompareCharID(live[i-1].ID, live[i].ID) >= 0 {
			return fmt.Errorf("crdt: restore: live sequence not strictly ordered at %d (I1)", i)
		}
	}

	tomb := make(map[string]struct{}, len(s.Tombstones))
	for _, id := range s.Tombstones {
		if id.Lamport > s.Lamport {
			return fmt.Errorf("crdt: restore: tombstone %s is ahead of lamport %d (I4)", id.Key(), s.Lamport)
		}
		tomb[id.Key()] = struct{}{}
	}
	for _, c := range live {
		if c.ID.Lamport > s.Lamport {
			return fmt.Errorf("crdt: restore: id %s is ahead of lamport %d (I4)", c.ID.Key(), s.Lamport)
		}
		if _, dup := tomb[c.ID.Key()]; dup {
			return fmt.Errorf("crdt: restore: id %s is both live and tombstoned (I2)", c.ID.Key())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.live = live
	r.tomb = tomb
	if s.Lamport > r.lamport {
		r.lamport = s.Lamport
	}
	if s.SiteID != "" {
		r.site = s.SiteID
	}
	return nil
}

// parseCharIDKey inverts CharID.Key for the rare cases (snapshotting) that
// need to recover structure from the tombstone set's map keys.
func parseCharIDKey(k string) (CharID, error) {
	parts := strings.SplitN(k, "|", 3)
	if len(parts) != 3 {
		return CharID{}, fmt.Errorf("crdt: malformed tombstone key %q", k)
	}

	var pos posid.ID
	trimmed := strings.TrimSuffix(strings.TrimPrefix(parts[0], "["), "]")
	if trimmed != "" {
		for _, f := range strings.Fields(trimmed) {
			var v int64
			if _, err := fmt.Sscanf(f, "%d", &v); err != nil {
				return CharID{}, err
			}
			pos = append(pos, v)
		}
	}

	var lamport uint64
	if _, err := fmt.Sscanf(parts[1], "%d", &lamport); err != nil {
		return CharID{}, err
	}

	return CharID{Pos: pos, Lamport: lamport, Site: parts[2]}, nil
}
