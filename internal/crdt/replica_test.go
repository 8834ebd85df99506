package crdt

import (
	"math/rand"
	"testing"

	"github.com/collabtext/replica/internal/posid"
)

func posIDFromInts(vs ...int64) posid.ID {
	id := make(posid.ID, len(vs))
	copy(id, vs)
	return id
}

func checkInvariants(t *testing.T, r *Replica) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.live); i++ {
		if CompareCharID(r.live[i-1].ID, r.live[i].ID) >= 0 {
			t.Fatalf("I1 violated: live[%d]=%v not strictly before live[%d]=%v", i-1, r.live[i-1].ID, i, r.live[i].ID)
		}
	}
	for _, c := range r.live {
		if _, dead := r.tomb[c.ID.Key()]; dead {
			t.Fatalf("I2 violated: %v is both live and tombstoned", c.ID)
		}
	}
}

func TestLocalInsertAndDelete(t *testing.T) {
	r := New("siteA")
	if _, err := r.LocalInsert(0, "H"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LocalInsert(1, "i"); err != nil {
		t.Fatal(err)
	}
	if got, want := r.Text(), "Hi"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
	checkInvariants(t, r)

	if _, ok := r.LocalDelete(0); !ok {
		t.Fatal("LocalDelete(0) failed")
	}
	if got, want := r.Text(), "i"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
	checkInvariants(t, r)
}

func TestLocalInsertInvalidIndex(t *testing.T) {
	r := New("siteA")
	if _, err := r.LocalInsert(1, "x"); err == nil {
		t.Fatal("expected InvalidIndex error")
	}
	if _, err := r.LocalInsert(-1, "x"); err == nil {
		t.Fatal("expected InvalidIndex error")
	}
}

func TestLocalDeleteOutOfRange(t *testing.T) {
	r := New("siteA")
	if _, ok := r.LocalDelete(0); ok {
		t.Fatal("expected LocalDelete to fail on empty replica")
	}
}

func TestApplyRemoteMalformed(t *testing.T) {
	r := New("siteA")
	bad := Operation{Kind: KindInsert}
	if err := r.ApplyRemote(bad); err == nil {
		t.Fatal("expected MalformedOperation error")
	}
	if r.Len() != 0 {
		t.Fatal("malformed operation must not change state")
	}
}

// TestIdempotence is P4.
func TestIdempotence(t *testing.T) {
	r := New("siteA")
	op, err := r.LocalInsert(0, "x")
	if err != nil {
		t.Fatal(err)
	}

	r2 := New("siteB")
	if err := r2.ApplyRemote(op); err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplyRemote(op); err != nil {
		t.Fatal(err)
	}
	if got, want := r2.Text(), "x"; got != want {
		t.Fatalf("after double-apply, Text() = %q, want %q", got, want)
	}
	checkInvariants(t, r2)
}

// TestDeleteDominatesLateInsert is P5.
func TestDeleteDominatesLateInsert(t *testing.T) {
	r1 := New("siteA")
	insertOp, err := r1.LocalInsert(0, "x")
	if err != nil {
		t.Fatal(err)
	}
	deleteOp, ok := r1.LocalDelete(0)
	if !ok {
		t.Fatal("LocalDelete failed")
	}

	r2 := New("siteB")
	if err := r2.ApplyRemote(deleteOp); err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplyRemote(insertOp); err != nil {
		t.Fatal(err)
	}
	if got := r2.Text(); got != "" {
		t.Fatalf("Text() = %q, want empty (delete must dominate late insert)", got)
	}
	r2.mu.Lock()
	_, tombstoned := r2.tomb[insertOp.Target.Key()]
	r2.mu.Unlock()
	if !tombstoned {
		t.Fatal("deleted id must remain in tombstones")
	}
	checkInvariants(t, r2)
}

// TestDuplicateDeliverySuppressed is S6.
func TestDuplicateDeliverySuppressed(t *testing.T) {
	r1 := New("siteA")
	op, err := r1.LocalInsert(0, "Q")
	if err != nil {
		t.Fatal(err)
	}

	r2 := New("siteB")
	if err := r2.ApplyRemote(op); err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplyRemote(op); err != nil {
		t.Fatal(err)
	}
	if got, want := r2.Text(), "Q"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

// TestScenarioConcurrentInsertsConverge is S1.
func TestScenarioConcurrentInsertsConverge(t *testing.T) {
	r1 := New("siteA")
	r2 := New("siteB")

	op1, err := r1.LocalInsert(0, "A")
	if err != nil {
		t.Fatal(err)
	}
	op2, err := r2.LocalInsert(0, "B")
	if err != nil {
		t.Fatal(err)
	}

	if err := r1.ApplyRemote(op2); err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplyRemote(op1); err != nil {
		t.Fatal(err)
	}

	if r1.Text() != r2.Text() {
		t.Fatalf("diverged: r1=%q r2=%q", r1.Text(), r2.Text())
	}
	if len(r1.Text()) != 2 {
		t.Fatalf("expected length 2, got %d", len(r1.Text()))
	}
}

// TestScenarioSequentialExchange is S2.
func TestScenarioSequentialExchange(t *testing.T) {
	r1 := New("siteA")
	r2 := New("siteB")

	op1, _ := r1.LocalInsert(0, "H")
	op2, _ := r1.LocalInsert(1, "i")
	for _, op := range []Operation{op1, op2} {
		if err := r2.ApplyRemote(op); err != nil {
			t.Fatal(err)
		}
	}

	op3, _ := r2.LocalInsert(2, "!")
	if err := r1.ApplyRemote(op3); err != nil {
		t.Fatal(err)
	}

	if r1.Text() != "Hi!" || r2.Text() != "Hi!" {
		t.Fatalf("r1=%q r2=%q, want both Hi!", r1.Text(), r2.Text())
	}
}

// TestScenarioOutOfOrderDeleteThenFullSync is S3.
func TestScenarioOutOfOrderDeleteThenFullSync(t *testing.T) {
	r1 := New("siteA")
	r2 := New("siteB")

	opA, _ := r1.LocalInsert(0, "a")
	opB, _ := r1.LocalInsert(1, "b")
	opC, _ := r1.LocalInsert(2, "c")

	if err := r2.ApplyRemote(opA); err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplyRemote(opC); err != nil {
		t.Fatal(err)
	}

	delOp, ok := r2.LocalDelete(0)
	if !ok {
		t.Fatal("delete failed")
	}

	if err := r1.ApplyRemote(opB); err != nil {
		t.Fatal(err)
	}
	if err := r1.ApplyRemote(delOp); err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplyRemote(opB); err != nil {
		t.Fatal(err)
	}

	if r1.Text() != "bc" || r2.Text() != "bc" {
		t.Fatalf("r1=%q r2=%q, want both bc", r1.Text(), r2.Text())
	}
}

// TestScenarioRandomisedConcurrentInsertsConverge is a scaled-down S5.
func TestScenarioRandomisedConcurrentInsertsConverge(t *testing.T) {
	const n = 200
	rng := rand.New(rand.NewSource(42))

	r1 := New("siteA")
	r2 := New("siteB")
	var ops []Operation

	for i := 0; i < n; i++ {
		idx := rng.Intn(r1.Len() + 1)
		op, err := r1.LocalInsert(idx, string(rune('a'+rng.Intn(26))))
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}
	for i := 0; i < n; i++ {
		idx := rng.Intn(r2.Len() + 1)
		op, err := r2.LocalInsert(idx, string(rune('A'+rng.Intn(26))))
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}

	shuffled := make([]Operation, len(ops))
	copy(shuffled, ops)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	final1 := New("siteA")
	final2 := New("siteB")
	for _, op := range ops {
		if err := final1.ApplyRemote(op); err != nil {
			t.Fatal(err)
		}
	}
	for _, op := range shuffled {
		if err := final2.ApplyRemote(op); err != nil {
			t.Fatal(err)
		}
	}

	if final1.Text() != final2.Text() {
		t.Fatalf("diverged under reordering: len1=%d len2=%d", len(final1.Text()), len(final2.Text()))
	}
	if len(final1.Text()) != 2*n {
		t.Fatalf("expected %d characters, got %d", 2*n, len(final1.Text()))
	}
	checkInvariants(t, final1)
	checkInvariants(t, final2)
}

// TestConvergenceUnderPermutation is P3.
func TestConvergenceUnderPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		src := New("siteA")
		var ops []Operation
		for i := 0; i < 30; i++ {
			if rng.Intn(4) == 0 && src.Len() > 0 {
				op, ok := src.LocalDelete(rng.Intn(src.Len()))
				if ok {
					ops = append(ops, op)
				}
				continue
			}
			op, err := src.LocalInsert(rng.Intn(src.Len()+1), "z")
			if err != nil {
				t.Fatal(err)
			}
			ops = append(ops, op)
		}

		perm1 := append([]Operation(nil), ops...)
		perm2 := append([]Operation(nil), ops...)
		rng.Shuffle(len(perm2), func(i, j int) { perm2[i], perm2[j] = perm2[j], perm2[i] })

		r1 := New("dst1")
		r2 := New("dst2")
		for _, op := range perm1 {
			if err := r1.ApplyRemote(op); err != nil {
				t.Fatal(err)
			}
		}
		for _, op := range perm2 {
			if err := r2.ApplyRemote(op); err != nil {
				t.Fatal(err)
			}
		}

		if r1.Text() != r2.Text() {
			t.Fatalf("trial %d: diverged under permutation: %q vs %q", trial, r1.Text(), r2.Text())
		}
		checkInvariants(t, r1)
		checkInvariants(t, r2)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := New("siteA")
	r.LocalInsert(0, "a")
	r.LocalInsert(1, "b")
	r.LocalDelete(0)

	snap := r.Snapshot()

	r2 := New("siteB")
	if err := r2.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if r2.Text() != r.Text() {
		t.Fatalf("Text() after restore = %q, want %q", r2.Text(), r.Text())
	}
	if r2.Lamport() < r.Lamport() {
		t.Fatalf("Lamport() after restore = %d, want >= %d", r2.Lamport(), r.Lamport())
	}
	checkInvariants(t, r2)
}

func TestRestoreRejectsUnorderedLiveSequence(t *testing.T) {
	r := New("siteA")
	bad := Snapshot{
		Live: []Character{
			{ID: CharID{Pos: posIDFromInts(5), Lamport: 1, Site: "a"}, Value: "x"},
			{ID: CharID{Pos: posIDFromInts(3), Lamport: 1, Site: "a"}, Value: "y"},
		},
	}
	if err := r.Restore(bad); err == nil {
		t.Fatal("expected Restore to reject an out-of-order live sequence")
	}
}
