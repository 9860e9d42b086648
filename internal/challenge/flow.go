// Package challenge computes messaging-source session transitions:
// not_configured -> code_sent -> (password_required ->) connected, plus
// disconnected after a failed reconnect. Functions here are pure; the
// orchestrator performs the provider calls and owns the written state.
package challenge

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
)

type Op string

const (
	OpSubmitCredentials Op = "submit_credentials"
	OpSubmitCode        Op = "submit_code"
	OpSubmitPassword    Op = "submit_password"
	OpReconnect         Op = "reconnect"
	OpDisconnect        Op = "disconnect"
)

var (
	apiIDPattern = regexp.MustCompile(`^\d+$`)
	phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)
)

// NewSessionHint is appended to every failed reconnect.
const NewSessionHint = "Start a new session to sign in again."

// ValidateCredentials checks the login form and returns it normalised
// (whitespace stripped from the phone number).
func ValidateCredentials(c provider.Credentials) (provider.Credentials, error) {
	out := provider.Credentials{
		APIID:   strings.TrimSpace(c.APIID),
		APIHash: strings.TrimSpace(c.APIHash),
		Phone:   stripSpaces(c.Phone),
	}
	if out.APIID == "" {
		return provider.Credentials{}, model.Validationf("api id is required")
	}
	if !apiIDPattern.MatchString(out.APIID) {
		return provider.Credentials{}, model.Validationf("api id must be numeric")
	}
	if out.APIHash == "" {
		return provider.Credentials{}, model.Validationf("api hash is required")
	}
	if !phonePattern.MatchString(out.Phone) {
		return provider.Credentials{}, model.Validationf("phone number must be 10 to 15 digits with optional leading +")
	}
	return out, nil
}

func ValidateCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", model.Validationf("verification code is required")
	}
	return code, nil
}

// ValidatePassword rejects an empty password. The value itself is not trimmed.
func ValidatePassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", model.Validationf("password is required")
	}
	return password, nil
}

// Precondition reports whether op may run from cur.Phase.
func Precondition(op Op, cur model.ConnectionState) error {
	allowed := false
	switch op {
	case OpSubmitCredentials:
		allowed = cur.Phase != model.PhaseConnected
	case OpSubmitCode:
		allowed = cur.Phase == model.PhaseCodeSent
	case OpSubmitPassword:
		allowed = cur.Phase == model.PhasePasswordRequired
	case OpReconnect:
		allowed = cur.Phase == model.PhaseConnected || cur.Phase == model.PhaseDisconnected
	case OpDisconnect:
		allowed = cur.Phase != model.PhaseNotConfigured
	default:
		return model.Validationf("unknown messaging operation %q", op)
	}
	if !allowed {
		return model.Validationf("%s is not allowed in phase %s", op, cur.Phase)
	}
	return nil
}

// ApplyRequestCode folds the RequestCode reply into cur. cur already carries the
// new attempt token. Failures leave the session not_configured.
func ApplyRequestCode(cur model.ConnectionState, reply provider.MessagingReply, callErr error, now time.Time) (model.ConnectionState, error) {
	next := touch(cur, now)
	next.ExternalResourceID = ""
	if callErr != nil {
		return fail(next, model.PhaseNotConfigured, model.ExternalSystem(provider.Message(callErr), callErr))
	}
	switch reply.Status {
	case provider.MessagingOK, provider.MessagingCodeSent:
		next.Phase = model.PhaseCodeSent
		next.Detail = orDefault(reply.Message, "Verification code sent")
		return next, nil
	case provider.MessagingConnected:
		next.Phase = model.PhaseConnected
		next.Detail = orDefault(reply.Message, "Connected")
		return next, nil
	case provider.MessagingPasswordRequired:
		next.Phase = model.PhasePasswordRequired
		next.Detail = orDefault(reply.Message, "Two-factor password required")
		return next, nil
	default:
		return fail(next, model.PhaseNotConfigured, model.ExternalSystem(orDefault(reply.Message, unexpected(reply.Status)), nil))
	}
}

// ApplyVerifyCode folds the VerifyCode reply into cur. A rejected code keeps
// the phase so the user can try again.
func ApplyVerifyCode(cur model.ConnectionState, reply provider.MessagingReply, callErr error, now time.Time) (model.ConnectionState, error) {
	next := touch(cur, now)
	if callErr != nil {
		return fail(next, cur.Phase, model.ExternalSystem(provider.Message(callErr), callErr))
	}
	switch reply.Status {
	case provider.MessagingOK, provider.MessagingConnected:
		next.Phase = model.PhaseConnected
		next.Detail = orDefault(reply.Message, "Connected")
		return next, nil
	case provider.MessagingPasswordRequired:
		next.Phase = model.PhasePasswordRequired
		next.Detail = orDefault(reply.Message, "Two-factor password required")
		return next, nil
	case provider.MessagingInvalidCode:
		return fail(next, cur.Phase, model.InvalidCredential(orDefault(reply.Message, "Invalid verification code")))
	default:
		return fail(next, cur.Phase, model.ExternalSystem(orDefault(reply.Message, unexpected(reply.Status)), nil))
	}
}

// ApplyVerifyPassword folds the VerifyPassword reply into cur.
func ApplyVerifyPassword(cur model.ConnectionState, reply provider.MessagingReply, callErr error, now time.Time) (model.ConnectionState, error) {
	next := touch(cur, now)
	if callErr != nil {
		return fail(next, cur.Phase, model.ExternalSystem(provider.Message(callErr), callErr))
	}
	switch reply.Status {
	case provider.MessagingOK, provider.MessagingConnected:
		next.Phase = model.PhaseConnected
		next.Detail = orDefault(reply.Message, "Connected")
		return next, nil
	case provider.MessagingInvalidPassword, provider.MessagingInvalidCode, provider.MessagingPasswordRequired:
		return fail(next, cur.Phase, model.InvalidCredential(orDefault(reply.Message, "Invalid password")))
	default:
		return fail(next, cur.Phase, model.ExternalSystem(orDefault(reply.Message, unexpected(reply.Status)), nil))
	}
}

// ApplyReconnect folds a CheckConnection result into cur. Any failure lands in
// disconnected with a message recommending a new session.
func ApplyReconnect(cur model.ConnectionState, check provider.ConnectionCheck, callErr error, now time.Time) (model.ConnectionState, error) {
	next := touch(cur, now)
	if callErr == nil && check.Connected {
		next.Phase = model.PhaseConnected
		next.Detail = orDefault(check.Message, fmt.Sprintf("Connected (%d channels)", check.ChannelsCount))
		return next, nil
	}
	reason := check.Message
	if callErr != nil {
		reason = provider.Message(callErr)
	}
	msg := "Session could not be resumed."
	if strings.TrimSpace(reason) != "" {
		msg = "Session could not be resumed: " + strings.TrimSuffix(strings.TrimSpace(reason), ".") + "."
	}
	msg += " " + NewSessionHint
	return fail(next, model.PhaseDisconnected, model.ExternalSystem(msg, callErr))
}

// Disconnect drops the session and returns to not_configured.
func Disconnect(cur model.ConnectionState, now time.Time) model.ConnectionState {
	next := touch(cur, now)
	next.Phase = model.PhaseNotConfigured
	next.Detail = "Disconnected"
	next.ExternalResourceID = ""
	next.AttemptToken = ""
	return next
}

// NewSession resets to not_configured under a fresh attempt token from any phase.
func NewSession(cur model.ConnectionState, token string, now time.Time) model.ConnectionState {
	next := touch(cur, now)
	next.Phase = model.PhaseNotConfigured
	next.Detail = "Ready for a new session"
	next.ExternalResourceID = ""
	next.AttemptToken = token
	return next
}

func touch(cur model.ConnectionState, now time.Time) model.ConnectionState {
	next := cur.Clone()
	next.Pending = ""
	next.ErrorKind = ""
	next.Suggestions = nil
	next.LastUpdatedAt = now
	next.LastUpdateSource = model.SourceUserAction
	return next
}

func fail(next model.ConnectionState, phase model.Phase, err *model.Error) (model.ConnectionState, error) {
	next.Phase = phase
	next.Detail = err.Message
	next.ErrorKind = err.Kind
	return next, err
}

func unexpected(status provider.MessagingStatus) string {
	return fmt.Sprintf("unexpected provider status %q", status)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func stripSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}
