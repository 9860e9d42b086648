// Package reconcile folds push events and poll results into a bridge
// ConnectionState. Reduce is pure: the most advanced known state wins, stale
// attempts are dropped, and repeating an update is a no-op regardless of which
// channel delivered it first.
package reconcile

import (
	"time"

	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
)

type Decision string

const (
	Applied       Decision = "applied"
	Duplicate     Decision = "duplicate"
	Regression    Decision = "regression"
	Stale         Decision = "stale"
	NotMonitoring Decision = "not_monitoring"
	// Deferred is a push for the current attempt that arrived before the
	// create reply. The caller holds it and replays it once monitoring starts.
	Deferred Decision = "deferred"
)

// terminalRank places complete and error pushes above any progress value.
const terminalRank = 101

// ConnectingProgress is the progress implied by a deployed resource that is
// still establishing its broker connection.
const ConnectingProgress = 80

// Update is one status observation. Push updates set PushStatus; poll updates
// set Deployment and Connection.
type Update struct {
	Source       model.UpdateSource
	AttemptToken string
	ResourceID   string
	PushStatus   provider.PushStatus
	Progress     int
	Deployment   provider.DeploymentState
	Connection   provider.ConnectionStatus
	Message      string
	At           time.Time
}

// FromPush builds an update from a push event. token is the attempt the event
// was routed to, empty when the event carried no attempt reference.
func FromPush(ev provider.PushEvent, token string) Update {
	return Update{
		Source:       model.SourcePush,
		AttemptToken: token,
		ResourceID:   ev.ResourceID,
		PushStatus:   ev.Status,
		Progress:     ev.Progress,
		Message:      ev.Message,
		At:           ev.ReceivedAt,
	}
}

// FromPoll builds an update from a status poll issued under token for resourceID.
func FromPoll(st provider.ResourceStatus, token, resourceID string, at time.Time) Update {
	return Update{
		Source:       model.SourcePoll,
		AttemptToken: token,
		ResourceID:   resourceID,
		Deployment:   st.Deployment,
		Connection:   st.Connection,
		Message:      st.Message,
		At:           at,
	}
}

// Reduce returns the next state and what happened to u. next equals cur unless
// the decision is Applied.
func Reduce(cur model.ConnectionState, u Update) (model.ConnectionState, Decision) {
	if d, ok := admit(cur, u); !ok {
		return cur, d
	}
	next := cur.Clone()
	var d Decision
	switch u.Source {
	case model.SourcePush:
		next, d = reducePush(next, u)
	case model.SourcePoll:
		next, d = reducePoll(next, u)
	default:
		return cur, Stale
	}
	if d != Applied {
		return cur, d
	}
	if next.SameObservable(cur) {
		return cur, Duplicate
	}
	next.LastUpdateSource = u.Source
	next.LastUpdatedAt = u.At
	return next, Applied
}

// Timeout marks a monitored attempt as timed out. The phase is unchanged so a
// late push or a manual recheck can still complete it.
func Timeout(cur model.ConnectionState, token string, now time.Time) (model.ConnectionState, Decision) {
	if cur.AttemptToken == "" || token != cur.AttemptToken {
		return cur, Stale
	}
	if !model.IsMonitoring(cur.Phase) {
		return cur, NotMonitoring
	}
	if cur.TimedOut {
		return cur, Duplicate
	}
	next := cur.Clone()
	next.TimedOut = true
	next.ErrorKind = model.ErrorProvisioningTimeout
	next.Detail = "Deployment is taking longer than expected. Check again later."
	next.LastUpdateSource = model.SourcePoll
	next.LastUpdatedAt = now
	return next, Applied
}

func admit(cur model.ConnectionState, u Update) (Decision, bool) {
	if cur.Kind != model.KindBridge || cur.AttemptToken == "" {
		return Stale, false
	}
	if u.AttemptToken != "" && u.AttemptToken != cur.AttemptToken {
		return Stale, false
	}
	if u.ResourceID != "" && cur.ExternalResourceID != "" && u.ResourceID != cur.ExternalResourceID {
		return Stale, false
	}
	if model.IsMonitoring(cur.Phase) {
		return "", true
	}
	if cur.Phase == model.PhaseConnected && reportsConnected(u) {
		return Duplicate, false
	}
	// Only an event naming the attempt can be held; an untokenised one may
	// belong to an earlier attempt of the same account.
	if u.Source == model.SourcePush && u.AttemptToken != "" &&
		(cur.Phase == model.PhaseValidating || cur.Phase == model.PhaseCreating) {
		return Deferred, false
	}
	return NotMonitoring, false
}

// Hold returns the more advanced of a held push and u. Terminal statuses
// outrank progress, and the first terminal status is kept.
func Hold(held *Update, u Update) *Update {
	if held == nil || pushRank(u) > pushRank(*held) {
		return &u
	}
	return held
}

func pushRank(u Update) int {
	if u.PushStatus == provider.PushComplete || u.PushStatus == provider.PushError {
		return terminalRank
	}
	return u.Progress
}

func reportsConnected(u Update) bool {
	if u.Source == model.SourcePush {
		return u.PushStatus == provider.PushComplete
	}
	return u.Deployment == provider.DeploymentDeployed && u.Connection == provider.ConnectionConnected
}

func reducePush(next model.ConnectionState, u Update) (model.ConnectionState, Decision) {
	switch u.PushStatus {
	case provider.PushComplete:
		next.PushCompleted = true
		return connected(next, u.Message), Applied
	case provider.PushError:
		return failed(next, orDefault(u.Message, "Deployment failed")), Applied
	case provider.PushInProgress:
		if u.Progress < next.Progress {
			return next, Regression
		}
		next.Progress = u.Progress
		derived := model.PhaseDeploying
		if u.Progress >= ConnectingProgress {
			derived = model.PhaseConnecting
		}
		next.Phase = advance(next.Phase, derived)
		if u.Message != "" {
			next.Detail = u.Message
		}
		return next, Applied
	default:
		return next, Stale
	}
}

func reducePoll(next model.ConnectionState, u Update) (model.ConnectionState, Decision) {
	if next.PushCompleted {
		return next, Regression
	}
	switch u.Deployment {
	case provider.DeploymentDeployed:
		if u.Connection == provider.ConnectionConnected {
			return connected(next, u.Message), Applied
		}
		next.Phase = advance(next.Phase, model.PhaseConnecting)
		next.Progress = max(next.Progress, ConnectingProgress)
		next.Detail = orDefault(u.Message, connectingDetail(u.Connection))
		return next, Applied
	case provider.DeploymentDeploying:
		if u.Message != "" {
			next.Detail = u.Message
		}
		return next, Applied
	case provider.DeploymentFailed, provider.DeploymentUndeployed, provider.DeploymentUndeploying:
		return failed(next, orDefault(u.Message, "Deployment "+string(u.Deployment))), Applied
	default:
		return next, Stale
	}
}

func connected(next model.ConnectionState, msg string) model.ConnectionState {
	next.Phase = model.PhaseConnected
	next.Progress = 100
	next.TimedOut = false
	next.ErrorKind = ""
	next.Detail = orDefault(msg, "Connected")
	return next
}

func failed(next model.ConnectionState, msg string) model.ConnectionState {
	next.Phase = model.PhaseError
	next.TimedOut = false
	next.ErrorKind = model.ErrorExternalSystem
	next.Detail = msg
	return next
}

// advance returns the more advanced of two provisioning phases.
func advance(cur, candidate model.Phase) model.Phase {
	cr, cok := model.BridgeRank(cur)
	nr, nok := model.BridgeRank(candidate)
	if !nok || (cok && cr >= nr) {
		return cur
	}
	return candidate
}

func connectingDetail(c provider.ConnectionStatus) string {
	if c == provider.ConnectionDisconnectedFromBroker {
		return "Deployed, waiting for broker connection"
	}
	return "Deployed, connecting"
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
