package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which external link a ConnectionState describes.
type Kind string

const (
	KindMessaging Kind = "messaging"
	KindBridge    Kind = "bridge"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindMessaging:
		return KindMessaging, nil
	case KindBridge:
		return KindBridge, nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

// Phase is the state-machine tag of a ConnectionState. Messaging and bridge
// flows use disjoint phase sets except for PhaseConnected.
type Phase string

const (
	PhaseNotConfigured    Phase = "not_configured"
	PhaseCodeSent         Phase = "code_sent"
	PhasePasswordRequired Phase = "password_required"
	PhaseDisconnected     Phase = "disconnected"

	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseCreating   Phase = "creating"
	PhaseDeploying  Phase = "deploying"
	PhaseConnecting Phase = "connecting"
	PhaseError      Phase = "error"

	PhaseConnected Phase = "connected"
)

// bridgeRank orders the provisioning graph; the reconciler never lowers it.
var bridgeRank = map[Phase]int{
	PhaseIdle:       0,
	PhaseValidating: 1,
	PhaseCreating:   2,
	PhaseDeploying:  3,
	PhaseConnecting: 4,
	PhaseConnected:  5,
}

// BridgeRank returns the position of p in the provisioning graph. PhaseError
// and unknown phases report ok=false.
func BridgeRank(p Phase) (int, bool) {
	r, ok := bridgeRank[p]
	return r, ok
}

// IsMonitoring reports whether a bridge attempt is waiting on push/poll status.
func IsMonitoring(p Phase) bool {
	return p == PhaseDeploying || p == PhaseConnecting
}

// IsActiveAttempt reports whether a bridge attempt is in flight and cancellable.
func IsActiveAttempt(p Phase) bool {
	switch p {
	case PhaseValidating, PhaseCreating, PhaseDeploying, PhaseConnecting:
		return true
	default:
		return false
	}
}

// InitialPhase is the phase a fresh ConnectionState of kind k starts in.
func InitialPhase(k Kind) Phase {
	if k == KindBridge {
		return PhaseIdle
	}
	return PhaseNotConfigured
}

type UpdateSource string

const (
	SourceUserAction UpdateSource = "user_action"
	SourcePush       UpdateSource = "push"
	SourcePoll       UpdateSource = "poll"
)

// ConnectionState is the observed state of one external link for one account.
type ConnectionState struct {
	AccountID          string
	Kind               Kind
	Phase              Phase
	Detail             string
	ExternalResourceID string
	Progress           int
	PushCompleted      bool
	TimedOut           bool
	Pending            string
	Suggestions        []string
	ErrorKind          ErrorKind
	AttemptToken       string
	Version            int64
	LastUpdatedAt      time.Time
	LastUpdateSource   UpdateSource
}

// Key returns the (account, kind) identity of the state.
func (s ConnectionState) Key() StateKey {
	return StateKey{AccountID: s.AccountID, Kind: s.Kind}
}

// Clone returns a copy that shares no slices with s.
func (s ConnectionState) Clone() ConnectionState {
	out := s
	if s.Suggestions != nil {
		out.Suggestions = append([]string(nil), s.Suggestions...)
	}
	return out
}

// SameObservable reports whether two states differ only in bookkeeping
// (version, timestamps, update source). Used to suppress no-op writes.
func (s ConnectionState) SameObservable(o ConnectionState) bool {
	if s.Phase != o.Phase ||
		s.Detail != o.Detail ||
		s.ExternalResourceID != o.ExternalResourceID ||
		s.Progress != o.Progress ||
		s.PushCompleted != o.PushCompleted ||
		s.TimedOut != o.TimedOut ||
		s.Pending != o.Pending ||
		s.ErrorKind != o.ErrorKind ||
		s.AttemptToken != o.AttemptToken ||
		len(s.Suggestions) != len(o.Suggestions) {
		return false
	}
	for i := range s.Suggestions {
		if s.Suggestions[i] != o.Suggestions[i] {
			return false
		}
	}
	return true
}

// NewConnectionState returns the initial state for (accountID, kind).
func NewConnectionState(accountID string, kind Kind, now time.Time) ConnectionState {
	return ConnectionState{
		AccountID:        accountID,
		Kind:             kind,
		Phase:            InitialPhase(kind),
		LastUpdatedAt:    now,
		LastUpdateSource: SourceUserAction,
	}
}

type StateKey struct {
	AccountID string
	Kind      Kind
}

func (k StateKey) String() string {
	return k.AccountID + "/" + string(k.Kind)
}

// Transition is one applied write, kept as an audit trail.
type Transition struct {
	AccountID    string
	Kind         Kind
	AttemptToken string
	FromPhase    Phase
	ToPhase      Phase
	Progress     int
	Source       UpdateSource
	Detail       string
	Version      int64
	RecordedAt   time.Time
}

// Error codes used by the HTTP API envelope.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrValidation         = "E_VALIDATION"
	ErrInvalidCredential  = "E_INVALID_CREDENTIAL"
	ErrResourceNotFound   = "E_RESOURCE_NOT_FOUND"
	ErrProvisionTimeout   = "E_PROVISIONING_TIMEOUT"
	ErrExternalSystem     = "E_EXTERNAL_SYSTEM"
)
