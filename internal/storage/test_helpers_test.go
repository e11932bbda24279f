package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "data", "playout.json")
}

// newTestStore opens a JSON store pinned to scenarioNow.
func newTestStore(t *testing.T, extra ...Option) *Storage {
	t.Helper()
	opts := append([]Option{WithClock(func() time.Time { return scenarioNow })}, extra...)
	store, err := NewStorage(tempStorePath(t), opts...)
	if err != nil {
		t.Fatalf("open json store: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	repo, err := NewJSONRepository(tempStorePath(t), opts...)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close(context.Background()) }, nil
}
