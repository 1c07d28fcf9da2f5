// Package snapshot keeps one dated copy of each user's counts per UTC day so
// growth can be measured over a window.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/vanshika/refnet/backend/internal/domain"
)

// Store persists and retrieves daily snapshots.
type Store interface {
	Save(ctx context.Context, snap domain.StatsSnapshot) error
	// At returns the snapshot taken on day's UTC date.
	At(ctx context.Context, userID string, day time.Time) (domain.StatsSnapshot, bool, error)
	Close() error
}

// DayKey formats t's UTC date.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MemoryStore keeps snapshots in process.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]domain.StatsSnapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]domain.StatsSnapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap domain.StatsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.UserID+"/"+DayKey(snap.TakenAt)] = snap
	return nil
}

func (m *MemoryStore) At(_ context.Context, userID string, day time.Time) (domain.StatsSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[userID+"/"+DayKey(day)]
	return s, ok, nil
}

func (m *MemoryStore) Close() error { return nil }
