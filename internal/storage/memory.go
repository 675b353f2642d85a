package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.RWMutex
	rows   map[string]Reminder
	closed bool
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{rows: map[string]Reminder{}}
}

func (s *memoryStore) Create(ctx context.Context, r *Reminder) error {
	if err := normalize(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("create", ErrClosed)
	}
	if r.Kind == KindDailyDigest {
		for _, row := range s.rows {
			if row.UserID == r.UserID && row.Kind == KindDailyDigest {
				return ErrDuplicateDigest
			}
		}
	}
	s.rows[r.ID] = *r
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Reminder{}, unavailable("get", ErrClosed)
	}
	r, ok := s.rows[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) UpdateStage(ctx context.Context, id string, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("update stage", ErrClosed)
	}
	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	r.Stage = r.Stage.Advance(stage)
	s.rows[id] = r
	return nil
}

func (s *memoryStore) UpdateTrigger(ctx context.Context, id string, at time.Time, zone, lastFiredDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("update trigger", ErrClosed)
	}
	r, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	r.TriggerAt = at.UTC().Truncate(time.Millisecond)
	r.Zone = zone
	r.LastFiredDate = lastFiredDate
	s.rows[id] = r
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("delete", ErrClosed)
	}
	delete(s.rows, id)
	return nil
}

func (s *memoryStore) DueBefore(ctx context.Context, t time.Time) ([]Reminder, error) {
	return s.filter("due before", func(r Reminder) bool { return r.TriggerAt.Before(t) })
}

func (s *memoryStore) ListPending(ctx context.Context) ([]Reminder, error) {
	return s.filter("list", func(Reminder) bool { return true })
}

func (s *memoryStore) ByUser(ctx context.Context, userID int64) ([]Reminder, error) {
	return s.filter("by user", func(r Reminder) bool { return r.UserID == userID })
}

func (s *memoryStore) DailyDigestUsers(ctx context.Context) ([]DigestUser, error) {
	rows, err := s.filter("digest users", func(r Reminder) bool { return r.Kind == KindDailyDigest })
	if err != nil {
		return nil, err
	}
	out := make([]DigestUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, DigestUser{UserID: r.UserID, Zone: r.Zone})
	}
	return out, nil
}

func (s *memoryStore) DeleteAllForUser(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("delete user", ErrClosed)
	}
	n := 0
	for id, r := range s.rows {
		if r.UserID == userID {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) filter(op string, keep func(Reminder) bool) ([]Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable(op, ErrClosed)
	}
	out := make([]Reminder, 0)
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortByTrigger(out)
	return out, nil
}
