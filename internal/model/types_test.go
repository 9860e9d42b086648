package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"messaging": KindMessaging,
		" Bridge ":  KindBridge,
		"MESSAGING": KindMessaging,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseKind("telegram"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestBridgeRankOrdersProvisioningGraph(t *testing.T) {
	order := []Phase{PhaseIdle, PhaseValidating, PhaseCreating, PhaseDeploying, PhaseConnecting, PhaseConnected}
	prev := -1
	for _, p := range order {
		r, ok := BridgeRank(p)
		if !ok || r <= prev {
			t.Fatalf("rank(%s)=%d ok=%v after %d", p, r, ok, prev)
		}
		prev = r
	}
	if _, ok := BridgeRank(PhaseError); ok {
		t.Fatalf("error phase must not be ranked")
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("apply: %w", &Error{Kind: ErrorStaleAttempt, Message: "late poll"})
	if !errors.Is(err, ErrStaleAttempt) {
		t.Fatalf("expected wrapped stale error to match sentinel")
	}
	if errors.Is(Validationf("bad"), ErrStaleAttempt) {
		t.Fatalf("validation must not match stale sentinel")
	}
	ext := AsError(errors.New("boom"))
	if ext.Kind != ErrorExternalSystem || ext.Message != "boom" {
		t.Fatalf("unexpected wrap: %+v", ext)
	}
	if ext.Code() != ErrExternalSystem {
		t.Fatalf("unexpected code %s", ext.Code())
	}
}

func TestSameObservableIgnoresBookkeeping(t *testing.T) {
	now := time.Now().UTC()
	a := NewConnectionState("acct", KindBridge, now)
	b := a
	b.Version = 7
	b.LastUpdatedAt = now.Add(time.Minute)
	b.LastUpdateSource = SourcePoll
	if !a.SameObservable(b) {
		t.Fatalf("bookkeeping-only difference should be observable-equal")
	}
	b.Suggestions = []string{"x"}
	if a.SameObservable(b) {
		t.Fatalf("suggestion difference must be observable")
	}
}
