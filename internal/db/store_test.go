package db

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/g960059/sigbridge/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func bridgeStateForTest(version int64, phase model.Phase, now time.Time) model.ConnectionState {
	return model.ConnectionState{
		AccountID:          "acct-1",
		Kind:               model.KindBridge,
		Phase:              phase,
		Detail:             "Deploying",
		ExternalResourceID: "res-1",
		Progress:           40,
		Suggestions:        []string{"ICMarkets-Live", "ICMarkets-Demo"},
		ErrorKind:          model.ErrorResourceNotFound,
		AttemptToken:       "tok-1",
		Version:            version,
		LastUpdatedAt:      now,
		LastUpdateSource:   model.SourcePush,
	}
}

func TestSaveAndGetConnectionState(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Date(2026, 10, 1, 9, 0, 0, 123, time.UTC)

	if _, err := store.GetConnectionState(ctx, "acct-1", model.KindBridge); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	want := bridgeStateForTest(1, model.PhaseDeploying, now)
	want.PushCompleted = true
	want.TimedOut = true
	want.Pending = "create_resource"
	if err := store.SaveConnectionState(ctx, want, model.Transition{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetConnectionState(ctx, "acct-1", model.KindBridge)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSaveConnectionStateRejectsOlderVersion(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Now().UTC()

	if err := store.SaveConnectionState(ctx, bridgeStateForTest(2, model.PhaseConnecting, now), model.Transition{}); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	err := store.SaveConnectionState(ctx, bridgeStateForTest(1, model.PhaseDeploying, now), model.Transition{ToPhase: model.PhaseDeploying})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	got, err := store.GetConnectionState(ctx, "acct-1", model.KindBridge)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != model.PhaseConnecting || got.Version != 2 {
		t.Fatalf("older write applied: %+v", got)
	}
	if n, _ := store.CountRows(ctx, "state_transitions"); n != 0 {
		t.Fatalf("rejected write must not record a transition, got %d", n)
	}
}

func TestTransitionsListAndPurge(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	phases := []model.Phase{model.PhaseValidating, model.PhaseCreating, model.PhaseDeploying, model.PhaseConnected}
	from := model.PhaseIdle
	for i, phase := range phases {
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		st := bridgeStateForTest(int64(i+1), phase, at)
		tr := model.Transition{
			AccountID:    st.AccountID,
			Kind:         st.Kind,
			AttemptToken: st.AttemptToken,
			FromPhase:    from,
			ToPhase:      phase,
			Source:       model.SourceUserAction,
			Version:      st.Version,
			RecordedAt:   at,
		}
		if err := store.SaveConnectionState(ctx, st, tr); err != nil {
			t.Fatalf("save %s: %v", phase, err)
		}
		from = phase
	}

	list, err := store.ListTransitions(ctx, "acct-1", model.KindBridge, 2)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(list) != 2 || list[0].ToPhase != model.PhaseDeploying || list[1].ToPhase != model.PhaseConnected || list[1].FromPhase != model.PhaseDeploying {
		t.Fatalf("unexpected transitions %+v", list)
	}

	n, err := store.PurgeTransitions(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged rows, got %d", n)
	}
	if count, _ := store.CountRows(ctx, "state_transitions"); count != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", count)
	}
}

func TestListConnectionStates(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Now().UTC()
	bridge := bridgeStateForTest(1, model.PhaseDeploying, now)
	messaging := model.NewConnectionState("acct-1", model.KindMessaging, now)
	messaging.Version = 1
	for _, st := range []model.ConnectionState{bridge, messaging} {
		if err := store.SaveConnectionState(ctx, st, model.Transition{}); err != nil {
			t.Fatalf("save %s: %v", st.Key(), err)
		}
	}
	states, err := store.ListConnectionStates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 2 || states[0].Kind != model.KindBridge || states[1].Kind != model.KindMessaging {
		t.Fatalf("unexpected states %+v", states)
	}
	if states[1].Suggestions != nil {
		t.Fatalf("empty suggestions should load as nil, got %#v", states[1].Suggestions)
	}
}
