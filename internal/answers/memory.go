package answers

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps answers in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
	inserts int
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

// FailWith makes every subsequent call return err. Passing nil restores normal behaviour.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryStore) Exists(ctx context.Context, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	_, ok := m.records[key]
	return ok, ctx.Err()
}

func (m *MemoryStore) Insert(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return "", m.failErr
	}
	if _, ok := m.records[rec.Key()]; ok {
		return "", ErrDuplicate
	}
	m.records[rec.Key()] = rec
	m.inserts++
	return rec.ID, nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	var out []Record
	for _, rec := range m.records {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.SessionRef != "" && rec.SessionRef != filter.SessionRef {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, ctx.Err()
}

// Inserts reports how many records were written.
func (m *MemoryStore) Inserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

func (m *MemoryStore) Close() error { return nil }
