package state

import (
	"sync"
	"testing"
	"time"

	"github.com/sevigo/hookci/internal/core"
)

var testKey = core.PRKey{RepoFullName: "acme/widgets", Number: 42}

func TestMarkDelivery(t *testing.T) {
	s := NewStore(time.Minute)

	if !s.MarkDelivery("d-1") {
		t.Error("first delivery should be new")
	}
	if s.MarkDelivery("d-1") {
		t.Error("repeated delivery should be a duplicate")
	}
	if !s.MarkDelivery("d-2") {
		t.Error("different delivery should be new")
	}
	if !s.MarkDelivery("") {
		t.Error("empty delivery id must never be treated as a duplicate")
	}
	if !s.MarkDelivery("") {
		t.Error("empty delivery id must never be treated as a duplicate")
	}
}

func TestMarkDeliveryWindowExpires(t *testing.T) {
	s := NewStore(time.Minute)
	s.MarkDelivery("d-1")

	s.Sweep(time.Now().Add(2 * time.Minute))

	if !s.MarkDelivery("d-1") {
		t.Error("delivery id should be forgotten after the retention window")
	}
}

func TestApplyCreatesAndGetCopies(t *testing.T) {
	s := NewStore(time.Minute)

	s.Apply(testKey, func(st *PRState) {
		st.HeadSHA = "a1"
		st.Jobs["tests"] = JobStatus{Seq: 1, SHA: "a1", Pending: true}
	})

	got, ok := s.Get(testKey)
	if !ok {
		t.Fatal("expected state to exist")
	}
	if got.HeadSHA != "a1" || !got.Jobs["tests"].Pending {
		t.Fatalf("unexpected state: %+v", got)
	}

	// Mutating the copy must not leak back into the store.
	got.Jobs["tests"] = JobStatus{Seq: 99}
	got.HeadSHA = "mutated"

	again, _ := s.Get(testKey)
	if again.HeadSHA != "a1" || again.Jobs["tests"].Seq != 1 {
		t.Errorf("Get returned a live reference, not a copy: %+v", again)
	}
}

func TestApplyExisting(t *testing.T) {
	s := NewStore(time.Minute)

	if s.ApplyExisting(testKey, func(*PRState) {}) {
		t.Error("ApplyExisting must not create entries")
	}

	s.Apply(testKey, func(st *PRState) { st.HeadSHA = "a1" })
	touched := s.ApplyExisting(testKey, func(st *PRState) { st.HeadSHA = "a2" })
	if !touched {
		t.Fatal("ApplyExisting should find the tracked key")
	}
	got, _ := s.Get(testKey)
	if got.HeadSHA != "a2" {
		t.Errorf("HeadSHA = %q, want a2", got.HeadSHA)
	}
}

func TestApplySerializesPerKey(t *testing.T) {
	s := NewStore(time.Minute)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Apply(testKey, func(st *PRState) {
				js := st.Jobs["tests"]
				js.Seq++
				st.Jobs["tests"] = js
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get(testKey)
	if got.Jobs["tests"].Seq != n {
		t.Errorf("Seq = %d after %d concurrent increments, want %d", got.Jobs["tests"].Seq, n, n)
	}
}

func TestRestoreDropsPendingJobs(t *testing.T) {
	s := NewStore(time.Minute)

	s.Restore(PRState{
		Key:     testKey,
		HeadSHA: "a1",
		Jobs: map[string]JobStatus{
			"tests": {Seq: 3, SHA: "a1", Pending: false, Outcome: core.OutcomeSuccess},
			"lint":  {Seq: 2, SHA: "a1", Pending: true},
		},
	})

	got, ok := s.Get(testKey)
	if !ok {
		t.Fatal("expected restored state")
	}
	if _, found := got.Jobs["lint"]; found {
		t.Error("pending job should be dropped on restore")
	}
	if got.Jobs["tests"].Outcome != core.OutcomeSuccess {
		t.Error("completed job should survive restore")
	}
}

func TestSweepEvictsExpiredRetired(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()

	retired := core.PRKey{RepoFullName: "acme/widgets", Number: 1}
	graced := core.PRKey{RepoFullName: "acme/widgets", Number: 2}
	active := core.PRKey{RepoFullName: "acme/widgets", Number: 3}

	s.Apply(retired, func(st *PRState) {
		st.Retired = true
		st.RetireAt = now.Add(-time.Second)
	})
	s.Apply(graced, func(st *PRState) {
		st.Retired = true
		st.RetireAt = now.Add(time.Hour)
	})
	s.Apply(active, func(st *PRState) { st.HeadSHA = "a1" })

	evicted := s.Sweep(now)
	if len(evicted) != 1 || evicted[0] != retired {
		t.Fatalf("evicted = %v, want [%v]", evicted, retired)
	}
	if _, ok := s.Get(retired); ok {
		t.Error("expired retired entry should be gone")
	}
	if _, ok := s.Get(graced); !ok {
		t.Error("retired entry inside its grace period should survive")
	}
	if _, ok := s.Get(active); !ok {
		t.Error("active entry should survive")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSnapshotAndEvict(t *testing.T) {
	s := NewStore(time.Minute)
	s.Apply(testKey, func(st *PRState) { st.HeadSHA = "a1" })
	other := core.PRKey{RepoFullName: "acme/gears", Number: 5}
	s.Apply(other, func(st *PRState) { st.HeadSHA = "b2" })

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d states, want 2", len(snap))
	}

	s.Evict(testKey)
	if _, ok := s.Get(testKey); ok {
		t.Error("evicted key should not be readable")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after evict, want 1", s.Len())
	}
}
