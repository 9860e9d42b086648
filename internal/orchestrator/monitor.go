package orchestrator

import (
	"context"
	"time"

	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/reconcile"
)

// monitor polls one bridge attempt until it leaves the monitoring phases, the
// attempt is superseded or the poll deadline passes.
type monitor struct {
	token      string
	resourceID string
	cancel     context.CancelFunc
}

// startMonitor begins polling the current attempt of l. The caller holds l.mu.
func (f *Facade) startMonitor(l *lane) {
	f.stopMonitor(l)
	if f.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(f.ctx)
	m := &monitor{
		token:      l.state.AttemptToken,
		resourceID: l.state.ExternalResourceID,
		cancel:     cancel,
	}
	l.monitor = m
	f.wg.Add(1)
	f.metrics.MonitorStarted()
	go f.runMonitor(ctx, l, m)
}

// stopMonitor cancels the monitor of l, if any. The caller holds l.mu.
func (f *Facade) stopMonitor(l *lane) {
	if l.monitor == nil {
		return
	}
	l.monitor.cancel()
	l.monitor = nil
}

func (f *Facade) runMonitor(ctx context.Context, l *lane, m *monitor) {
	defer f.wg.Done()
	defer f.metrics.MonitorStopped()
	defer m.cancel()

	log := f.log.With().Str("key", l.key.String()).Str("resource", m.resourceID).Logger()
	log.Debug().Dur("interval", f.pollInterval).Dur("max", f.pollMaxDuration).Msg("monitor started")

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(f.pollMaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("monitor stopped")
			return
		case <-deadline.C:
			f.expire(l, m)
			log.Info().Msg("monitor deadline reached")
			return
		case <-ticker.C:
			if !f.poll(ctx, l, m) {
				log.Debug().Msg("monitor finished")
				return
			}
		}
	}
}

// poll issues one status poll for m and reports whether monitoring continues.
// Failed polls are logged and skipped.
func (f *Facade) poll(ctx context.Context, l *lane, m *monitor) bool {
	started := time.Now()
	status, err := f.bridge.GetResourceStatus(ctx, m.resourceID)
	f.metrics.ObserveCall(providerBridge, "get_resource_status", started, err)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		f.metrics.PollFailed()
		f.recordPoll(false)
		f.log.Warn().Err(err).Str("key", l.key.String()).Str("resource", m.resourceID).Msg("status poll failed")
		return true
	}
	f.recordPoll(true)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.monitor != m {
		return false
	}
	next, decision := reconcile.Reduce(l.state, reconcile.FromPoll(status, m.token, m.resourceID, f.now()))
	f.metrics.RecordUpdate(string(model.SourcePoll), string(decision))
	if decision == reconcile.Applied {
		f.commit(f.ctx, l, next)
	}
	if !model.IsMonitoring(l.state.Phase) || decision == reconcile.Stale {
		l.monitor = nil
		return false
	}
	return true
}

func (f *Facade) expire(l *lane, m *monitor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.monitor != m {
		return
	}
	l.monitor = nil
	next, decision := reconcile.Timeout(l.state, m.token, f.now())
	if decision == reconcile.Applied {
		f.commit(f.ctx, l, next)
	}
}

// HandlePush folds one push event into the attempt it belongs to. Events that
// cannot be routed, or that belong to a superseded attempt, return
// ErrStaleAttempt and change nothing.
func (f *Facade) HandlePush(ctx context.Context, ev provider.PushEvent) (model.ConnectionState, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = f.now()
	}
	key, token, ok := f.routePush(ev)
	if !ok {
		f.metrics.RecordUpdate(string(model.SourcePush), string(reconcile.Stale))
		f.log.Debug().Str("job", ev.JobID).Str("account", ev.AccountID).Str("resource", ev.ResourceID).Msg("push event matches no known attempt")
		return model.ConnectionState{}, model.ErrStaleAttempt
	}
	l, ok := f.existingLane(key)
	if !ok {
		return model.ConnectionState{}, model.ErrStaleAttempt
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	u := reconcile.FromPush(ev, token)
	next, decision := reconcile.Reduce(l.state, u)
	f.metrics.RecordUpdate(string(model.SourcePush), string(decision))
	switch decision {
	case reconcile.Applied:
		f.commit(ctx, l, next)
		if !model.IsMonitoring(l.state.Phase) {
			f.stopMonitor(l)
		}
	case reconcile.Deferred:
		l.early = reconcile.Hold(l.early, u)
		f.log.Debug().Str("key", key.String()).Str("status", string(ev.Status)).Int("progress", ev.Progress).Msg("push arrived before create reply, held")
	case reconcile.Stale:
		return l.state.Clone(), model.ErrStaleAttempt
	default:
		f.log.Debug().Str("key", key.String()).Str("decision", string(decision)).Int("progress", ev.Progress).Msg("push event not applied")
	}
	return l.state.Clone(), nil
}

// routePush resolves the bridge lane and attempt token an event refers to.
// An echoed job id is looked up as an attempt token first. A bare id that is
// not a known token is taken as the account id, with no attempt reference; such
// an event applies to whichever attempt of that account is being monitored, so
// it is only as precise as the resource id it carries.
func (f *Facade) routePush(ev provider.PushEvent) (model.StateKey, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.JobID != "" {
		if key, ok := f.tokens[ev.JobID]; ok {
			return key, ev.JobID, true
		}
	}
	accountID, token := ev.AccountID, ev.JobID
	if accountID == "" {
		accountID, token = ev.JobID, ""
	}
	if ev.ResourceID != "" {
		if key, ok := f.resources[ev.ResourceID]; ok && (accountID == "" || accountID == key.AccountID) {
			return key, token, true
		}
	}
	if accountID == "" {
		return model.StateKey{}, "", false
	}
	key := model.StateKey{AccountID: accountID, Kind: model.KindBridge}
	if _, ok := f.lanes[key]; !ok {
		return model.StateKey{}, "", false
	}
	return key, token, true
}
