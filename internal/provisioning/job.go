// Package provisioning computes trading-bridge transitions for the
// idle -> validating -> creating -> deploying -> connecting -> connected graph.
// Once a resource is deploying, status is folded in by the reconcile package.
package provisioning

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
)

// Progress reported for the create outcomes before push/poll take over.
const (
	ProgressCreated   = 10
	ProgressDeployed  = 80
	ProgressConnected = 100
)

var accountNumberPattern = regexp.MustCompile(`^\d+$`)

type CreateInput struct {
	AccountNumber string
	Password      string
	Server        string
	Platform      string
	Hints         provider.BrokerHints
}

// ValidateCreate checks the account form before any network call and returns
// the request to send. AccountID and JobID are filled in by the caller.
func ValidateCreate(in CreateInput) (provider.CreateRequest, error) {
	number := strings.TrimSpace(in.AccountNumber)
	if number == "" {
		return provider.CreateRequest{}, model.Validationf("account number is required")
	}
	if !accountNumberPattern.MatchString(number) {
		return provider.CreateRequest{}, model.Validationf("account number must contain digits only")
	}
	if strings.TrimSpace(in.Password) == "" {
		return provider.CreateRequest{}, model.Validationf("password is required")
	}
	server := strings.TrimSpace(in.Server)
	if server == "" {
		return provider.CreateRequest{}, model.Validationf("server is required")
	}
	platform, err := provider.ParsePlatform(in.Platform)
	if err != nil {
		return provider.CreateRequest{}, model.Validationf("platform must be mt4 or mt5")
	}
	return provider.CreateRequest{
		AccountNumber: number,
		Password:      in.Password,
		Server:        server,
		Platform:      platform,
		Hints:         provider.BrokerHints{Family: strings.TrimSpace(in.Hints.Family)},
	}, nil
}

// Begin starts a fresh attempt under token. The previous resource id, progress
// and error residue are cleared.
func Begin(cur model.ConnectionState, token string, now time.Time) model.ConnectionState {
	next := touch(cur, now)
	next.Phase = model.PhaseValidating
	next.Detail = "Validating account"
	next.AttemptToken = token
	next.ExternalResourceID = ""
	next.Progress = 0
	next.PushCompleted = false
	next.TimedOut = false
	return next
}

// Creating moves a validated attempt into creating with the create call pending.
func Creating(cur model.ConnectionState, now time.Time) model.ConnectionState {
	next := touch(cur, now)
	next.Phase = model.PhaseCreating
	next.Detail = "Creating bridge resource"
	next.Pending = "create_resource"
	return next
}

// Outcome tells the caller what to do after a create reply was folded in.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeMonitor
	OutcomeSuggest
)

// ApplyCreateReply folds the provider reply into cur. When the reply says the
// server is unknown the outcome is OutcomeSuggest and the caller is expected to
// finish with ServerNotFound once suggestions are computed.
func ApplyCreateReply(cur model.ConnectionState, reply provider.CreateReply, callErr error, now time.Time) (model.ConnectionState, Outcome, error) {
	next := touch(cur, now)
	if callErr != nil {
		st, err := fail(next, model.ExternalSystem(provider.Message(callErr), callErr))
		return st, OutcomeDone, err
	}
	if !reply.Success {
		if reply.ServerNotFound() {
			next.Phase = model.PhaseError
			next.Detail = orDefault(reply.Message, "Server not found")
			next.ErrorKind = model.ErrorResourceNotFound
			return next, OutcomeSuggest, nil
		}
		st, err := fail(next, model.ExternalSystem(orDefault(reply.Message, "Bridge provider rejected the account"), nil))
		return st, OutcomeDone, err
	}
	if strings.TrimSpace(reply.ResourceID) == "" {
		st, err := fail(next, model.ExternalSystem("bridge provider returned no resource id", nil))
		return st, OutcomeDone, err
	}
	next.ExternalResourceID = reply.ResourceID
	switch reply.Deployment {
	case provider.DeploymentDeployed:
		if reply.Connection == provider.ConnectionConnected {
			next.Phase = model.PhaseConnected
			next.Progress = ProgressConnected
			next.Detail = orDefault(reply.Message, "Connected")
			return next, OutcomeDone, nil
		}
		next.Phase = model.PhaseConnecting
		next.Progress = ProgressDeployed
		next.Detail = orDefault(reply.Message, "Connecting to broker")
		return next, OutcomeMonitor, nil
	case provider.DeploymentDeploying:
		next.Phase = model.PhaseDeploying
		next.Progress = ProgressCreated
		next.Detail = orDefault(reply.Message, "Deploying")
		return next, OutcomeMonitor, nil
	default:
		st, err := fail(next, model.ExternalSystem(orDefault(reply.Message, fmt.Sprintf("deployment %s", reply.Deployment)), nil))
		return st, OutcomeDone, err
	}
}

// ServerNotFound attaches advisor suggestions to an OutcomeSuggest state.
func ServerNotFound(cur model.ConnectionState, suggestions []string) (model.ConnectionState, error) {
	next := cur.Clone()
	next.Suggestions = append([]string(nil), suggestions...)
	return next, model.ResourceNotFound(next.Detail, next.Suggestions)
}

func CheckCancel(cur model.ConnectionState) error {
	if !model.IsActiveAttempt(cur.Phase) {
		return model.Validationf("cancel is not allowed in phase %s", cur.Phase)
	}
	return nil
}

// Cancel returns to idle and drops the attempt token so late results of the
// cancelled attempt are stale. The provider resource is left in place.
func Cancel(cur model.ConnectionState, now time.Time) model.ConnectionState {
	next := touch(cur, now)
	next.Phase = model.PhaseIdle
	next.Detail = "Cancelled"
	next.AttemptToken = ""
	next.Progress = 0
	next.PushCompleted = false
	next.TimedOut = false
	return next
}

func CheckRetry(cur model.ConnectionState) error {
	if cur.Phase != model.PhaseError {
		return model.Validationf("retry is only allowed from phase error, current %s", cur.Phase)
	}
	return nil
}

func Retry(cur model.ConnectionState, now time.Time) model.ConnectionState {
	next := touch(cur, now)
	next.Phase = model.PhaseIdle
	next.Detail = ""
	next.Progress = 0
	next.TimedOut = false
	return next
}

func CheckRecheck(cur model.ConnectionState) error {
	if !model.IsMonitoring(cur.Phase) || cur.ExternalResourceID == "" {
		return model.Validationf("recheck is only allowed while deploying or connecting, current %s", cur.Phase)
	}
	return nil
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

func fail(next model.ConnectionState, err *model.Error) (model.ConnectionState, error) {
	next.Phase = model.PhaseError
	next.Detail = err.Message
	next.ErrorKind = err.Kind
	return next, err
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
