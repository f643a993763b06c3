// Package state implements the PR state store: the only mutable shared
// resource in the engine. Every mutation for a PR key runs under that key's
// lock, which is what makes the latest-sequence-wins rule in the dispatcher
// correct. Different keys never contend beyond their shard.
package state

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/sevigo/hookci/internal/core"
)

const shardCount = 16

// JobStatus is the latest known state of one job on one PR.
type JobStatus struct {
	// Seq is the latest enqueue sequence number for this job name.
	Seq     uint64       `json:"seq"`
	SHA     string       `json:"sha"`
	Pending bool         `json:"pending"`
	Outcome core.Outcome `json:"outcome,omitempty"`

	Attempt   int       `json:"attempt"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PRState is the tracked state of one pull request.
type PRState struct {
	Key          core.PRKey           `json:"key"`
	HeadSHA      string               `json:"head_sha"`
	Jobs         map[string]JobStatus `json:"jobs"`
	LastActivity time.Time            `json:"last_activity"`

	// Retired marks a closed or merged PR. The entry stays around until
	// RetireAt so late duplicate deliveries are absorbed harmlessly, then
	// the janitor evicts it.
	Retired  bool      `json:"retired"`
	RetireAt time.Time `json:"retire_at,omitempty"`
}

func (s *PRState) clone() PRState {
	out := *s
	out.Jobs = make(map[string]JobStatus, len(s.Jobs))
	for k, v := range s.Jobs {
		out.Jobs[k] = v
	}
	return out
}

type entry struct {
	mu sync.Mutex
	st PRState
}

type shard struct {
	mu      sync.RWMutex
	entries map[core.PRKey]*entry
}

// Store is a sharded, per-key serialized map of PR states plus the
// delivery-id dedup window.
type Store struct {
	shards    [shardCount]*shard
	retention time.Duration

	dmu  sync.Mutex
	seen map[string]time.Time
}

// NewStore creates a store. retention bounds both how long retired PR
// entries linger and how long delivery ids are remembered for dedup.
func NewStore(retention time.Duration) *Store {
	s := &Store{
		retention: retention,
		seen:      make(map[string]time.Time),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[core.PRKey]*entry)}
	}
	return s
}

func (s *Store) shardFor(key core.PRKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%shardCount]
}

// MarkDelivery records a delivery id and reports whether it was new.
// Webhook delivery is at-least-once; a repeated id within the retention
// window must be absorbed without effect.
func (s *Store) MarkDelivery(id string) bool {
	if id == "" {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = time.Now()
	return true
}

// Apply runs fn against the state for key under the key's lock, creating
// the entry if it does not exist yet. fn sees and mutates the live state.
func (s *Store) Apply(key core.PRKey, fn func(*PRState)) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{st: PRState{Key: key, Jobs: make(map[string]JobStatus)}}
		sh.entries[key] = e
	}
	sh.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.st)
}

// ApplyExisting is Apply without lazy creation. It reports whether the key
// was tracked. Result application uses it so a late result for an evicted
// PR is discarded instead of resurrecting state.
func (s *Store) ApplyExisting(key core.PRKey, fn func(*PRState)) bool {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.st)
	return true
}

// Get returns a deep copy of the state for key. Safe for concurrent use
// with mutations; monitoring reads never see a half-applied update.
func (s *Store) Get(key core.PRKey) (PRState, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return PRState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone(), true
}

// Len returns the number of tracked PRs.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns deep copies of all tracked states.
func (s *Store) Snapshot() []PRState {
	var out []PRState
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			out = append(out, e.st.clone())
			e.mu.Unlock()
		}
	}
	return out
}

// Restore rehydrates one PR state, typically from persistence at startup.
// Jobs that were still pending when the snapshot was taken are dropped:
// their worker is gone, and the next event for the PR re-enqueues them.
// Completed results for the current SHA survive so they are not re-run.
func (s *Store) Restore(st PRState) {
	s.Apply(st.Key, func(cur *PRState) {
		cur.HeadSHA = st.HeadSHA
		cur.LastActivity = st.LastActivity
		cur.Retired = st.Retired
		cur.RetireAt = st.RetireAt
		for name, js := range st.Jobs {
			if js.Pending {
				continue
			}
			cur.Jobs[name] = js
		}
	})
}

// Evict removes the entry for key.
func (s *Store) Evict(key core.PRKey) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// Sweep evicts retired entries whose grace period expired and forgets
// delivery ids older than the retention window. It returns the evicted
// keys so the caller can clean up external persistence.
func (s *Store) Sweep(now time.Time) []core.PRKey {
	var evicted []core.PRKey
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			e.mu.Lock()
			expired := e.st.Retired && now.After(e.st.RetireAt)
			e.mu.Unlock()
			if expired {
				delete(sh.entries, key)
				evicted = append(evicted, key)
			}
		}
		sh.mu.Unlock()
	}

	s.dmu.Lock()
	for id, at := range s.seen {
		if now.Sub(at) > s.retention {
			delete(s.seen, id)
		}
	}
	s.dmu.Unlock()

	return evicted
}
