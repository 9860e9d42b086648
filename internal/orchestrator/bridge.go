package orchestrator

import (
	"context"
	"time"

	"github.com/g960059/sigbridge/internal/advisor"
	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/provisioning"
	"github.com/g960059/sigbridge/internal/reconcile"
)

const providerBridge = "bridge"

// Create validates in, starts a new provisioning attempt and asks the bridge
// provider for a resource. Invalid input returns before any provider call and
// leaves the state untouched. A deploying resource is monitored until it
// connects, fails or times out.
func (f *Facade) Create(ctx context.Context, accountID string, in provisioning.CreateInput) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindBridge, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	req, err := provisioning.ValidateCreate(in)
	if err != nil {
		return f.snapshot(l), err
	}

	l.mu.Lock()
	f.preempt(l)
	token := f.newToken()
	f.commit(ctx, l, provisioning.Begin(l.state, token, f.now()))
	f.commit(ctx, l, provisioning.Creating(l.state, f.now()))
	l.seq++
	l.call = l.seq
	id := l.call
	l.mu.Unlock()

	req.AccountID = accountID
	req.JobID = token
	callCtx := context.WithoutCancel(ctx)
	f.log.Info().Str("account", accountID).Str("server", req.Server).Str("platform", string(req.Platform)).Msg("creating bridge resource")
	started := time.Now()
	reply, callErr := f.bridge.CreateResource(callCtx, req)
	f.metrics.ObserveCall(providerBridge, "create_resource", started, callErr)

	var suggestions []string
	if callErr == nil && reply.ServerNotFound() {
		suggestions = f.suggestServers(callCtx, req.Server, reply.SuggestedServers, req.Hints)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !f.endCall(l, id, token) {
		return f.stale(l, "create_resource")
	}
	early := l.early
	l.early = nil
	next, outcome, opErr := provisioning.ApplyCreateReply(l.state, reply, callErr, f.now())
	if outcome == provisioning.OutcomeSuggest {
		next, opErr = provisioning.ServerNotFound(next, suggestions)
	}
	f.commit(ctx, l, next)
	if outcome == provisioning.OutcomeMonitor {
		if early != nil {
			f.replayEarly(ctx, l, *early)
		}
		if model.IsMonitoring(l.state.Phase) {
			f.startMonitor(l)
		}
	}
	return l.state.Clone(), opErr
}

// replayEarly folds a push that beat the create reply. The caller holds l.mu.
func (f *Facade) replayEarly(ctx context.Context, l *lane, u reconcile.Update) {
	u.At = f.now()
	next, decision := reconcile.Reduce(l.state, u)
	f.metrics.RecordUpdate(string(model.SourcePush), string(decision))
	if decision == reconcile.Applied {
		f.commit(ctx, l, next)
	}
	f.log.Debug().Str("key", l.key.String()).Str("decision", string(decision)).Str("status", string(u.PushStatus)).Msg("replayed push received before create reply")
}

// Cancel abandons the active attempt. Results that arrive for it later are
// discarded; the provider resource is not deleted.
func (f *Facade) Cancel(ctx context.Context, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindBridge, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := provisioning.CheckCancel(l.state); err != nil {
		return l.state.Clone(), err
	}
	f.preempt(l)
	f.commit(ctx, l, provisioning.Cancel(l.state, f.now()))
	return l.state.Clone(), nil
}

// Retry returns a failed attempt to idle so the form can be submitted again.
func (f *Facade) Retry(ctx context.Context, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindBridge, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := f.busy(l); err != nil {
		return l.state.Clone(), err
	}
	if err := provisioning.CheckRetry(l.state); err != nil {
		return l.state.Clone(), err
	}
	f.commit(ctx, l, provisioning.Retry(l.state, f.now()))
	return l.state.Clone(), nil
}

// Recheck polls the resource once on demand. It is how a timed-out attempt is
// brought forward once the provider finishes.
func (f *Facade) Recheck(ctx context.Context, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, model.KindBridge, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	if err := f.busy(l); err != nil {
		defer l.mu.Unlock()
		return l.state.Clone(), err
	}
	if err := provisioning.CheckRecheck(l.state); err != nil {
		defer l.mu.Unlock()
		return l.state.Clone(), err
	}
	token := l.state.AttemptToken
	resourceID := l.state.ExternalResourceID
	id := f.beginCall(ctx, l, "recheck")
	l.mu.Unlock()

	started := time.Now()
	status, callErr := f.bridge.GetResourceStatus(context.WithoutCancel(ctx), resourceID)
	f.metrics.ObserveCall(providerBridge, "get_resource_status", started, callErr)
	f.recordPoll(callErr == nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !f.endCall(l, id, token) {
		return f.stale(l, "recheck")
	}
	cur := l.state.Clone()
	cur.Pending = ""
	if callErr != nil {
		f.commit(ctx, l, cur)
		return l.state.Clone(), model.ExternalSystem(provider.Message(callErr), callErr)
	}
	next, decision := reconcile.Reduce(cur, reconcile.FromPoll(status, token, resourceID, f.now()))
	f.metrics.RecordUpdate(string(model.SourcePoll), string(decision))
	f.commit(ctx, l, next)
	if !model.IsMonitoring(l.state.Phase) {
		f.stopMonitor(l)
	}
	return l.state.Clone(), nil
}

// suggestServers ranks the provider's suggestions together with the server
// catalog of the broker family against the rejected name.
func (f *Facade) suggestServers(ctx context.Context, rejected string, fromProvider []string, hints provider.BrokerHints) []string {
	catalog := append([]string(nil), fromProvider...)
	started := time.Now()
	servers, err := f.bridge.ListServers(ctx, hints)
	f.metrics.ObserveCall(providerBridge, "list_servers", started, err)
	if err != nil {
		f.log.Warn().Err(err).Str("family", hints.Family).Msg("list servers failed, suggesting from provider reply only")
	} else {
		catalog = append(catalog, servers...)
	}
	return advisor.Values(advisor.Suggest(rejected, catalog, f.suggest))
}
