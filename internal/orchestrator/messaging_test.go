package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
)

func TestMessagingHappyPath(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()

	st, err := env.facade.SubmitCredentials(ctx, "acct-1", validCredentials())
	if err != nil {
		t.Fatalf("submit credentials: %v", err)
	}
	if st.Phase != model.PhaseCodeSent || st.Pending != "" || st.AttemptToken != "tok-1" {
		t.Fatalf("unexpected state after credentials: %+v", st)
	}

	st, err = env.facade.SubmitCode(ctx, "acct-1", " 12345 ")
	if err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if st.Phase != model.PhaseConnected {
		t.Fatalf("expected connected, got %s", st.Phase)
	}
	if env.messaging.requestCodeCalls.Load() != 1 || env.messaging.verifyCodeCalls.Load() != 1 {
		t.Fatalf("unexpected call counts: request=%d verify=%d", env.messaging.requestCodeCalls.Load(), env.messaging.verifyCodeCalls.Load())
	}
}

func TestMessagingTwoFactor(t *testing.T) {
	env := newTestFacade(t, nil)
	env.messaging.verifyCode = func(string) (provider.MessagingReply, error) {
		return provider.MessagingReply{Status: provider.MessagingPasswordRequired}, nil
	}
	env.messaging.verifyPassword = func(password string) (provider.MessagingReply, error) {
		if password != "hunter2" {
			return provider.MessagingReply{Status: provider.MessagingInvalidPassword, Message: "Wrong password"}, nil
		}
		return provider.MessagingReply{Status: provider.MessagingConnected}, nil
	}
	ctx := context.Background()

	if _, err := env.facade.SubmitCredentials(ctx, "acct-1", validCredentials()); err != nil {
		t.Fatalf("submit credentials: %v", err)
	}
	st, err := env.facade.SubmitCode(ctx, "acct-1", "12345")
	if err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if st.Phase != model.PhasePasswordRequired {
		t.Fatalf("expected password_required, got %s", st.Phase)
	}

	st, err = env.facade.SubmitPassword(ctx, "acct-1", "wrong")
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.ErrorInvalidCredential {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	if st.Phase != model.PhasePasswordRequired || st.Detail != "Wrong password" {
		t.Fatalf("rejected password must keep the phase, got %+v", st)
	}

	st, err = env.facade.SubmitPassword(ctx, "acct-1", "hunter2")
	if err != nil {
		t.Fatalf("submit password: %v", err)
	}
	if st.Phase != model.PhaseConnected || st.ErrorKind != "" {
		t.Fatalf("expected clean connected state, got %+v", st)
	}
}

func TestMessagingValidationMakesNoCalls(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		run  func() (model.ConnectionState, error)
	}{
		{"bad phone", func() (model.ConnectionState, error) {
			creds := validCredentials()
			creds.Phone = "12ab"
			return env.facade.SubmitCredentials(ctx, "acct-1", creds)
		}},
		{"bad api id", func() (model.ConnectionState, error) {
			creds := validCredentials()
			creds.APIID = "x1"
			return env.facade.SubmitCredentials(ctx, "acct-1", creds)
		}},
		{"empty code", func() (model.ConnectionState, error) {
			return env.facade.SubmitCode(ctx, "acct-1", "  ")
		}},
		{"code before credentials", func() (model.ConnectionState, error) {
			return env.facade.SubmitCode(ctx, "acct-1", "12345")
		}},
		{"password before code", func() (model.ConnectionState, error) {
			return env.facade.SubmitPassword(ctx, "acct-1", "pw")
		}},
		{"reconnect before login", func() (model.ConnectionState, error) {
			return env.facade.Reconnect(ctx, "acct-1")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := tc.run()
			var merr *model.Error
			if !errors.As(err, &merr) || merr.Kind != model.ErrorValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if st.Version != 0 || st.Phase != model.PhaseNotConfigured {
				t.Fatalf("state must be untouched, got %+v", st)
			}
		})
	}
	if n := env.messaging.totalCalls(); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
}

func TestRequestCodeFailureKeepsNotConfigured(t *testing.T) {
	env := newTestFacade(t, nil)
	env.messaging.requestCode = func(context.Context, provider.Credentials) (provider.MessagingReply, error) {
		return provider.MessagingReply{}, &provider.RequestError{StatusCode: 400, Code: "PHONE_NUMBER_INVALID", Message: "Phone number is invalid"}
	}
	st, err := env.facade.SubmitCredentials(context.Background(), "acct-1", validCredentials())
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.ErrorExternalSystem {
		t.Fatalf("expected external system error, got %v", err)
	}
	if st.Phase != model.PhaseNotConfigured || st.Detail != "Phone number is invalid" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestReconnectFailureRecommendsNewSession(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.SubmitCredentials(ctx, "acct-1", validCredentials()); err != nil {
		t.Fatalf("submit credentials: %v", err)
	}
	if _, err := env.facade.SubmitCode(ctx, "acct-1", "12345"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	env.messaging.check = func() (provider.ConnectionCheck, error) {
		return provider.ConnectionCheck{Connected: false, Message: "AUTH_KEY_UNREGISTERED"}, nil
	}

	st, err := env.facade.Reconnect(ctx, "acct-1")
	if err == nil {
		t.Fatalf("expected reconnect failure")
	}
	if st.Phase != model.PhaseDisconnected || !strings.Contains(st.Detail, "Start a new session") {
		t.Fatalf("unexpected state %+v", st)
	}

	st, err = env.facade.StartNewSession(ctx, "acct-1")
	if err != nil {
		t.Fatalf("start new session: %v", err)
	}
	if st.Phase != model.PhaseNotConfigured || st.AttemptToken == "tok-1" || st.AttemptToken == "" {
		t.Fatalf("expected fresh not_configured session, got %+v", st)
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.SubmitCredentials(ctx, "acct-1", validCredentials()); err != nil {
		t.Fatalf("submit credentials: %v", err)
	}
	st, err := env.facade.Disconnect(ctx, "acct-1")
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if st.Phase != model.PhaseNotConfigured || st.AttemptToken != "" {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := env.facade.Disconnect(ctx, "acct-1"); err == nil {
		t.Fatalf("second disconnect should be rejected from not_configured")
	}
}

func TestSupersededRequestCodeIsDiscarded(t *testing.T) {
	env := newTestFacade(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	env.messaging.requestCode = func(context.Context, provider.Credentials) (provider.MessagingReply, error) {
		entered <- struct{}{}
		<-release
		return provider.MessagingReply{Status: provider.MessagingCodeSent}, nil
	}
	ctx := context.Background()

	type result struct {
		st  model.ConnectionState
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := env.facade.SubmitCredentials(ctx, "acct-1", validCredentials())
		done <- result{st, err}
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("request code was not called")
	}

	_, err := env.facade.SubmitCode(ctx, "acct-1", "12345")
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.ErrorValidation {
		t.Fatalf("expected in-progress validation error, got %v", err)
	}
	if env.messaging.verifyCodeCalls.Load() != 0 {
		t.Fatalf("verify code must not be called while a call is in flight")
	}

	fresh, err := env.facade.StartNewSession(ctx, "acct-1")
	if err != nil {
		t.Fatalf("start new session: %v", err)
	}
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("submit credentials did not return")
	}
	if !errors.Is(res.err, model.ErrStaleAttempt) {
		t.Fatalf("expected stale attempt, got %v", res.err)
	}
	st, _ := env.facade.GetState(ctx, model.KindMessaging, "acct-1")
	if st.Phase != model.PhaseNotConfigured || st.AttemptToken != fresh.AttemptToken || st.Pending != "" {
		t.Fatalf("late reply leaked into the new session: %+v", st)
	}
}

func TestDisconnectAbandonsCallInFlight(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.SubmitCredentials(ctx, "acct-1", validCredentials()); err != nil {
		t.Fatalf("submit credentials: %v", err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	env.messaging.verifyCode = func(string) (provider.MessagingReply, error) {
		entered <- struct{}{}
		<-release
		return provider.MessagingReply{Status: provider.MessagingConnected}, nil
	}
	errs := make(chan error, 1)
	go func() {
		_, err := env.facade.SubmitCode(ctx, "acct-1", "12345")
		errs <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("verify code was not called")
	}

	st, err := env.facade.Disconnect(ctx, "acct-1")
	if err != nil {
		t.Fatalf("disconnect during verify: %v", err)
	}
	if st.Phase != model.PhaseNotConfigured || st.Pending != "" {
		t.Fatalf("unexpected disconnected state %+v", st)
	}
	close(release)

	select {
	case err := <-errs:
		if !errors.Is(err, model.ErrStaleAttempt) {
			t.Fatalf("expected stale attempt, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("submit code did not return")
	}
	st, _ = env.facade.GetState(ctx, model.KindMessaging, "acct-1")
	if st.Phase != model.PhaseNotConfigured {
		t.Fatalf("late verify reply leaked into the disconnected state: %+v", st)
	}
}
