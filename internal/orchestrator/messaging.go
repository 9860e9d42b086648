package orchestrator

import (
	"context"
	"time"

	"github.com/g960059/sigbridge/internal/challenge"
	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/security"
)

const providerMessaging = "messaging"

// SubmitCredentials starts a new login attempt and asks the provider to send a
// verification code. It supersedes any attempt still in flight.
func (f *Facade) SubmitCredentials(ctx context.Context, accountID string, creds provider.Credentials) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindMessaging, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	creds, err = challenge.ValidateCredentials(creds)
	if err != nil {
		return f.snapshot(l), err
	}

	l.mu.Lock()
	if err := challenge.Precondition(challenge.OpSubmitCredentials, l.state); err != nil {
		defer l.mu.Unlock()
		return l.state.Clone(), err
	}
	f.preempt(l)
	token := f.newToken()
	f.commit(ctx, l, challenge.NewSession(l.state, token, f.now()))
	id := f.beginCall(ctx, l, "request_code")
	l.mu.Unlock()

	f.log.Info().Str("account", accountID).Str("phone", security.MaskPhone(creds.Phone)).Msg("requesting verification code")
	started := time.Now()
	reply, callErr := f.messaging.RequestCode(context.WithoutCancel(ctx), accountID, creds)
	f.metrics.ObserveCall(providerMessaging, "request_code", started, callErr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !f.endCall(l, id, token) {
		return f.stale(l, "request_code")
	}
	next, opErr := challenge.ApplyRequestCode(l.state, reply, callErr, f.now())
	f.commit(ctx, l, next)
	return l.state.Clone(), opErr
}

func (f *Facade) SubmitCode(ctx context.Context, accountID, code string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindMessaging, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	code, err = challenge.ValidateCode(code)
	if err != nil {
		return f.snapshot(l), err
	}
	return f.messagingCall(ctx, l, challenge.OpSubmitCode, "verify_code",
		func(callCtx context.Context) (provider.MessagingReply, error) {
			return f.messaging.VerifyCode(callCtx, accountID, code)
		},
		challenge.ApplyVerifyCode)
}

func (f *Facade) SubmitPassword(ctx context.Context, accountID, password string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindMessaging, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	password, err = challenge.ValidatePassword(password)
	if err != nil {
		return f.snapshot(l), err
	}
	return f.messagingCall(ctx, l, challenge.OpSubmitPassword, "verify_password",
		func(callCtx context.Context) (provider.MessagingReply, error) {
			return f.messaging.VerifyPassword(callCtx, accountID, password)
		},
		challenge.ApplyVerifyPassword)
}

// Reconnect checks whether the stored session is still authorised.
func (f *Facade) Reconnect(ctx context.Context, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindMessaging, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	if err := f.messagingGuard(l, challenge.OpReconnect); err != nil {
		defer l.mu.Unlock()
		return l.state.Clone(), err
	}
	token := l.state.AttemptToken
	id := f.beginCall(ctx, l, "check_connection")
	l.mu.Unlock()

	started := time.Now()
	check, callErr := f.messaging.CheckConnection(context.WithoutCancel(ctx), accountID)
	f.metrics.ObserveCall(providerMessaging, "check_connection", started, callErr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !f.endCall(l, id, token) {
		return f.stale(l, "check_connection")
	}
	next, opErr := challenge.ApplyReconnect(l.state, check, callErr, f.now())
	f.commit(ctx, l, next)
	return l.state.Clone(), opErr
}

// Disconnect forgets the session from any configured phase. A call still in
// flight is abandoned and its result discarded.
func (f *Facade) Disconnect(ctx context.Context, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindMessaging, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := challenge.Precondition(challenge.OpDisconnect, l.state); err != nil {
		return l.state.Clone(), err
	}
	f.preempt(l)
	f.commit(ctx, l, challenge.Disconnect(l.state, f.now()))
	return l.state.Clone(), nil
}

// StartNewSession discards the current session from any phase and waits for
// fresh credentials under a new attempt token.
func (f *Facade) StartNewSession(ctx context.Context, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindMessaging, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f.preempt(l)
	f.commit(ctx, l, challenge.NewSession(l.state, f.newToken(), f.now()))
	return l.state.Clone(), nil
}

type messagingApply func(model.ConnectionState, provider.MessagingReply, error, time.Time) (model.ConnectionState, error)

// messagingCall runs one non-preempting step of the current attempt.
func (f *Facade) messagingCall(ctx context.Context, l *lane, op challenge.Op, name string, call func(context.Context) (provider.MessagingReply, error), apply messagingApply) (model.ConnectionState, error) {
	l.mu.Lock()
	if err := f.messagingGuard(l, op); err != nil {
		defer l.mu.Unlock()
		return l.state.Clone(), err
	}
	token := l.state.AttemptToken
	id := f.beginCall(ctx, l, name)
	l.mu.Unlock()

	started := time.Now()
	reply, callErr := call(context.WithoutCancel(ctx))
	f.metrics.ObserveCall(providerMessaging, name, started, callErr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !f.endCall(l, id, token) {
		return f.stale(l, name)
	}
	next, opErr := apply(l.state, reply, callErr, f.now())
	f.commit(ctx, l, next)
	return l.state.Clone(), opErr
}

func (f *Facade) messagingGuard(l *lane, op challenge.Op) error {
	if err := f.busy(l); err != nil {
		return err
	}
	return challenge.Precondition(op, l.state)
}

func (f *Facade) snapshot(l *lane) model.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}
