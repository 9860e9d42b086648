package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/sigbridge/internal/db"
	"github.com/g960059/sigbridge/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "sigbridge-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedState writes st as version 1 unless it already carries a version.
func SeedState(t *testing.T, store *db.Store, ctx context.Context, st model.ConnectionState) model.ConnectionState {
	t.Helper()
	if st.Version == 0 {
		st.Version = 1
	}
	if st.LastUpdatedAt.IsZero() {
		st.LastUpdatedAt = time.Now().UTC()
	}
	if st.LastUpdateSource == "" {
		st.LastUpdateSource = model.SourceUserAction
	}
	if err := store.SaveConnectionState(ctx, st, model.Transition{}); err != nil {
		t.Fatalf("seed state %s: %v", st.Key(), err)
	}
	return st
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}
