package provider

import (
	"testing"
	"time"
)

func TestParseMessagingStatusAliases(t *testing.T) {
	cases := map[string]MessagingStatus{
		"success":                 MessagingOK,
		"Code-Sent":               MessagingCodeSent,
		"AUTHORIZED":              MessagingConnected,
		"session_password_needed": MessagingPasswordRequired,
		"phone_code_invalid":      MessagingInvalidCode,
		"password_invalid":        MessagingInvalidPassword,
		"failed":                  MessagingFailed,
	}
	for raw, want := range cases {
		got, err := ParseMessagingStatus(raw)
		if err != nil || got != want {
			t.Fatalf("ParseMessagingStatus(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseMessagingStatus("maybe"); err == nil {
		t.Fatalf("expected unrecognized status error")
	}
}

func TestParseDeploymentAndConnectionStates(t *testing.T) {
	if got, err := ParseDeploymentState("DEPLOYED"); err != nil || got != DeploymentDeployed {
		t.Fatalf("deployed: %q %v", got, err)
	}
	if got, err := ParseDeploymentState("created"); err != nil || got != DeploymentDeploying {
		t.Fatalf("created: %q %v", got, err)
	}
	if _, err := ParseDeploymentState("half-baked"); err == nil {
		t.Fatalf("expected error for unknown deployment state")
	}
	if got, err := ParseConnectionStatus(""); err != nil || got != ConnectionUnknown {
		t.Fatalf("empty connection status: %q %v", got, err)
	}
	if got, err := ParseConnectionStatus("DISCONNECTED_FROM_BROKER"); err != nil || got != ConnectionDisconnectedFromBroker {
		t.Fatalf("broker disconnect: %q %v", got, err)
	}
	if _, err := ParseConnectionStatus("flaky"); err == nil {
		t.Fatalf("expected error for unknown connection status")
	}
}

func TestParsePlatformDefaultsToMT5(t *testing.T) {
	if p, err := ParsePlatform(""); err != nil || p != PlatformMT5 {
		t.Fatalf("default platform: %q %v", p, err)
	}
	if p, err := ParsePlatform("MT4"); err != nil || p != PlatformMT4 {
		t.Fatalf("mt4: %q %v", p, err)
	}
	if _, err := ParsePlatform("ctrader"); err == nil {
		t.Fatalf("expected unsupported platform error")
	}
}

func TestCreateReplyServerNotFound(t *testing.T) {
	if !(CreateReply{ErrorCode: "Server-Not-Found"}).ServerNotFound() {
		t.Fatalf("expected server not found")
	}
	if (CreateReply{Success: true, ErrorCode: ErrorCodeServerNotFound}).ServerNotFound() {
		t.Fatalf("successful reply is never server-not-found")
	}
}

func TestDecodePushEvent(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ev, err := DecodePushEvent([]byte(`{"job_id":"tok-1","user_id":"acct-1","progress":42.6,"status":"in-progress","message":"deploying"}`), now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.JobID != "tok-1" || ev.AccountID != "acct-1" || ev.Progress != 43 || ev.Status != PushInProgress || !ev.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev, err = DecodePushEvent([]byte(`{"jobOrUserId":"acct-2","progress":10,"status":"completed"}`), now)
	if err != nil {
		t.Fatalf("decode ambiguous: %v", err)
	}
	if ev.JobID != "acct-2" || ev.AccountID != "" || ev.Progress != 100 {
		t.Fatalf("unexpected ambiguous event: %+v", ev)
	}

	if _, err := DecodePushEvent([]byte(`{"status":"complete"}`), now); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := DecodePushEvent([]byte(`{"job_id":"x","status":"sideways"}`), now); err == nil {
		t.Fatalf("expected unrecognized status error")
	}
	ev, err = DecodePushEvent([]byte(`{"job_id":"x","status":"in_progress","progress":250}`), now)
	if err != nil || ev.Progress != 100 {
		t.Fatalf("expected clamped progress, got %+v %v", ev, err)
	}
}
