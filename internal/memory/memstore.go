package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a volatile Store used by the replay harness and tests. It keeps
// the same semantics as the sqlite backend (test-and-set dedup, compare-and-
// increment counters) without touching disk.
type MemStore struct {
	mu       sync.Mutex
	targets  map[int64]Target
	counters map[counterKey]int
	dedup    map[dedupKey]time.Time
	sent     []SentRecord
	actions  map[string]Action
}

type counterKey struct {
	chatID int64
	day    string
}

type dedupKey struct {
	chatID    int64
	messageID int
}

func NewMemStore() *MemStore {
	return &MemStore{
		targets:  map[int64]Target{},
		counters: map[counterKey]int{},
		dedup:    map[dedupKey]time.Time{},
		actions:  map[string]Action{},
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) UpsertTarget(_ context.Context, t Target) (Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = TargetJoined
	}
	if prev, ok := s.targets[t.ChatID]; ok {
		t.CreatedAt = prev.CreatedAt
		if t.LastSeenAt.IsZero() {
			t.LastSeenAt = prev.LastSeenAt
		}
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.targets[t.ChatID] = t
	return t, nil
}

func (s *MemStore) Target(_ context.Context, chatID int64) (Target, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[chatID]
	return t, ok, nil
}

func (s *MemStore) Targets(_ context.Context) ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *MemStore) TouchTarget(_ context.Context, chatID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[chatID]; ok {
		t.LastSeenAt = at
		s.targets[chatID] = t
	}
	return nil
}

func (s *MemStore) Counter(_ context.Context, chatID int64, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{chatID, day}], nil
}

func (s *MemStore) ReserveSlot(_ context.Context, chatID int64, day string, cap int) (int, error) {
	if cap <= 0 {
		return 0, ErrQuotaExhausted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{chatID, day}
	if s.counters[k] >= cap {
		return 0, ErrQuotaExhausted
	}
	s.counters[k]++
	return s.counters[k], nil
}

func (s *MemStore) Seen(_ context.Context, chatID int64, messageID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dedupKey{chatID, messageID}
	if _, ok := s.dedup[k]; ok {
		return true, nil
	}
	s.dedup[k] = time.Now()
	return false, nil
}

func (s *MemStore) RecordSent(_ context.Context, r SentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.sent {
		if prev.ChatID == r.ChatID && prev.MessageID == r.MessageID {
			return nil
		}
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	s.sent = append(s.sent, r)
	return nil
}

func (s *MemStore) SentCountSince(_ context.Context, chatID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sent {
		if r.ChatID == chatID && r.Status == SendOK && !r.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) LinkUsedInLast(_ context.Context, chatID int64, n int) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := 0
	for i := len(s.sent) - 1; i >= 0 && seen < n; i-- {
		r := s.sent[i]
		if r.ChatID != chatID || r.Status != SendOK {
			continue
		}
		if r.WithLink {
			return true, nil
		}
		seen++
	}
	return false, nil
}

func (s *MemStore) PutAction(_ context.Context, a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.actions[a.ID] = a
	return nil
}

func (s *MemStore) UpdateActionStatus(_ context.Context, id string, status ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actions[id]; ok {
		a.Status = status
		s.actions[id] = a
	}
	return nil
}

func (s *MemStore) PendingActions(_ context.Context) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, a := range s.actions {
		if a.Status == ActionPending {
			out = append(out, a)
		}
	}
	// Id tie-break keeps equal send times in a stable order; the replay
	// harness fires these sequentially and must not reorder across runs.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].SendAt.Before(out[j].SendAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) Prune(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.dedup {
		if at.Before(cutoff) {
			delete(s.dedup, k)
		}
	}
	kept := s.sent[:0]
	for _, r := range s.sent {
		if !r.SentAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	s.sent = kept
	day := cutoff.UTC().Format("2006-01-02")
	for k := range s.counters {
		if k.day < day {
			delete(s.counters, k)
		}
	}
	for id, a := range s.actions {
		if a.Status != ActionPending && a.CreatedAt.Before(cutoff) {
			delete(s.actions, id)
		}
	}
	return nil
}

// SentRecords returns a copy of the sent log in append order.
// Used by the replay harness to build its report.
func (s *MemStore) SentRecords() []SentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentRecord(nil), s.sent...)
}

// Actions returns a copy of all actions sorted by creation then id.
// Used by the replay harness to build its report.
func (s *MemStore) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].SendAt.Before(out[j].SendAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
