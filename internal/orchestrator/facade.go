// Package orchestrator is the single entry point for messaging-source logins
// and trading-bridge provisioning. The Facade owns one ConnectionState per
// (account, kind) and is its only writer; the challenge, provisioning and
// reconcile packages only compute proposed next states.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/sigbridge/internal/advisor"
	"github.com/g960059/sigbridge/internal/db"
	"github.com/g960059/sigbridge/internal/health"
	"github.com/g960059/sigbridge/internal/metrics"
	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/reconcile"
	"github.com/g960059/sigbridge/internal/security"
)

type MessagingProvider interface {
	RequestCode(ctx context.Context, accountID string, creds provider.Credentials) (provider.MessagingReply, error)
	VerifyCode(ctx context.Context, accountID, code string) (provider.MessagingReply, error)
	VerifyPassword(ctx context.Context, accountID, password string) (provider.MessagingReply, error)
	CheckConnection(ctx context.Context, accountID string) (provider.ConnectionCheck, error)
}

type BridgeProvider interface {
	CreateResource(ctx context.Context, req provider.CreateRequest) (provider.CreateReply, error)
	GetResourceStatus(ctx context.Context, resourceID string) (provider.ResourceStatus, error)
	ListServers(ctx context.Context, hints provider.BrokerHints) ([]string, error)
}

// StateStore persists connection states. GetConnectionState reports a missing
// row with db.ErrNotFound. Implemented by *db.Store.
type StateStore interface {
	GetConnectionState(ctx context.Context, accountID string, kind model.Kind) (model.ConnectionState, error)
	ListConnectionStates(ctx context.Context) ([]model.ConnectionState, error)
	SaveConnectionState(ctx context.Context, st model.ConnectionState, tr model.Transition) error
}

type Options struct {
	Messaging MessagingProvider
	Bridge    BridgeProvider
	// Store is optional; without it state lives only in memory.
	Store   StateStore
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	PollInterval       time.Duration
	PollMaxDuration    time.Duration
	Suggest            advisor.Options
	SubscriptionBuffer int
	HealthPolicy       health.Policy

	Now      func() time.Time
	NewToken func() string
}

const (
	defaultPollInterval       = 5 * time.Second
	defaultPollMaxDuration    = 2 * time.Minute
	defaultSubscriptionBuffer = 32
)

// Filter selects which snapshots a subscription receives. Empty fields match all.
type Filter struct {
	AccountID string
	Kind      model.Kind
}

func (f Filter) matches(st model.ConnectionState) bool {
	if f.AccountID != "" && f.AccountID != st.AccountID {
		return false
	}
	return f.Kind == "" || f.Kind == st.Kind
}

type subscription struct {
	filter Filter
	ch     chan model.ConnectionState
}

type lane struct {
	key   model.StateKey
	mu    sync.Mutex
	state model.ConnectionState
	// seq numbers external calls; call is the one whose result is still wanted.
	seq     uint64
	call    uint64
	monitor *monitor
	// early holds the most advanced push that arrived for the current attempt
	// before its create reply. It is replayed once monitoring starts.
	early *reconcile.Update
}

type Facade struct {
	messaging MessagingProvider
	bridge    BridgeProvider
	store     StateStore
	log       zerolog.Logger
	metrics   *metrics.Metrics

	pollInterval    time.Duration
	pollMaxDuration time.Duration
	suggest         advisor.Options
	subBuffer       int
	healthPolicy    health.Policy
	now             func() time.Time
	newToken        func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lanes     map[model.StateKey]*lane
	tokens    map[string]model.StateKey
	resources map[string]model.StateKey
	subs      map[uint64]*subscription
	nextSub   uint64

	healthMu    sync.Mutex
	bridgeState health.State
}

func New(opts Options) *Facade {
	f := &Facade{
		messaging:       opts.Messaging,
		bridge:          opts.Bridge,
		store:           opts.Store,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		pollInterval:    opts.PollInterval,
		pollMaxDuration: opts.PollMaxDuration,
		suggest:         opts.Suggest,
		subBuffer:       opts.SubscriptionBuffer,
		healthPolicy:    opts.HealthPolicy,
		now:             opts.Now,
		newToken:        opts.NewToken,
		lanes:           map[model.StateKey]*lane{},
		tokens:          map[string]model.StateKey{},
		resources:       map[string]model.StateKey{},
		subs:            map[uint64]*subscription{},
	}
	if f.pollInterval <= 0 {
		f.pollInterval = defaultPollInterval
	}
	if f.pollMaxDuration <= 0 {
		f.pollMaxDuration = defaultPollMaxDuration
	}
	if f.subBuffer <= 0 {
		f.subBuffer = defaultSubscriptionBuffer
	}
	if f.healthPolicy.DownFailures <= 0 {
		f.healthPolicy = health.Policy{DownFailures: 3, DownWindow: f.pollMaxDuration, RecoverSuccesses: 2}
	}
	if f.now == nil {
		f.now = func() time.Time { return time.Now().UTC() }
	}
	if f.newToken == nil {
		f.newToken = uuid.NewString
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// Restore loads persisted states, clears markers of calls lost with the previous
// process and resumes monitoring of bridge attempts that were still deploying.
func (f *Facade) Restore(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	states, err := f.store.ListConnectionStates(ctx)
	if err != nil {
		return fmt.Errorf("restore connection states: %w", err)
	}
	for _, st := range states {
		l := &lane{key: st.Key(), state: st}
		f.mu.Lock()
		f.lanes[l.key] = l
		f.mu.Unlock()

		l.mu.Lock()
		f.index(l.key, model.ConnectionState{}, st)
		if st.Pending != "" {
			next := st.Clone()
			next.Pending = ""
			if st.Kind == model.KindBridge && (st.Phase == model.PhaseValidating || st.Phase == model.PhaseCreating) {
				next.Phase = model.PhaseError
				next.ErrorKind = model.ErrorExternalSystem
				next.Detail = "Provisioning was interrupted by a restart. Retry to start again."
			}
			next.LastUpdatedAt = f.now()
			next.LastUpdateSource = model.SourceUserAction
			f.commit(ctx, l, next)
		}
		if l.state.Kind == model.KindBridge && model.IsMonitoring(l.state.Phase) && !l.state.TimedOut && l.state.ExternalResourceID != "" {
			f.startMonitor(l)
		}
		l.mu.Unlock()
	}
	f.log.Info().Int("states", len(states)).Msg("restored connection states")
	return nil
}

// Close stops all monitors and closes every subscription.
func (f *Facade) Close() {
	f.cancel()
	f.wg.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		close(sub.ch)
		delete(f.subs, id)
		f.metrics.SubscriberRemoved()
	}
}

// StartChallenge makes sure a ConnectionState exists for (kind, accountID) and
// returns it. Calling it again is harmless.
func (f *Facade) StartChallenge(ctx context.Context, kind model.Kind, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, kind, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Version == 0 {
		next := model.NewConnectionState(accountID, kind, f.now())
		f.commit(ctx, l, next)
	}
	return l.state.Clone(), nil
}

// GetState returns the current snapshot. An account that never started yields
// the initial state with Version 0.
func (f *Facade) GetState(ctx context.Context, kind model.Kind, accountID string) (model.ConnectionState, error) {
	l, err := f.lane(ctx, kind, accountID)
	if err != nil {
		return model.ConnectionState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone(), nil
}

// States returns snapshots of every loaded state matching filter, ordered by
// account then kind.
func (f *Facade) States(filter Filter) []model.ConnectionState {
	f.mu.Lock()
	lanes := make([]*lane, 0, len(f.lanes))
	for key, l := range f.lanes {
		if filter.AccountID != "" && filter.AccountID != key.AccountID {
			continue
		}
		if filter.Kind != "" && filter.Kind != key.Kind {
			continue
		}
		lanes = append(lanes, l)
	}
	f.mu.Unlock()

	out := make([]model.ConnectionState, 0, len(lanes))
	for _, l := range lanes {
		l.mu.Lock()
		if l.state.Version > 0 {
			out = append(out, l.state.Clone())
		}
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Subscribe streams every applied snapshot matching filter. Slow readers miss
// snapshots rather than block writers; the latest state is always available
// through GetState. cancel is idempotent.
func (f *Facade) Subscribe(filter Filter) (<-chan model.ConnectionState, func()) {
	ch := make(chan model.ConnectionState, f.subBuffer)
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = &subscription{filter: filter, ch: ch}
	f.mu.Unlock()
	f.metrics.SubscriberAdded()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[id]; !ok {
				return
			}
			delete(f.subs, id)
			close(ch)
			f.metrics.SubscriberRemoved()
		})
	}
}

// BridgeHealth reports reachability of the bridge provider as seen by polls.
func (f *Facade) BridgeHealth() health.State {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	st := f.bridgeState
	if st.Current == "" {
		st.Current = health.StatusOK
	}
	return st
}

func (f *Facade) recordPoll(success bool) {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	prev := f.bridgeState.Current
	f.bridgeState = health.Next(f.healthPolicy, f.bridgeState, success, f.now())
	if prev != "" && prev != f.bridgeState.Current {
		f.log.Warn().Str("from", string(prev)).Str("to", string(f.bridgeState.Current)).Msg("bridge provider health changed")
	}
}

func (f *Facade) lane(ctx context.Context, kind model.Kind, accountID string) (*lane, error) {
	if accountID == "" {
		return nil, model.Validationf("account id is required")
	}
	if kind != model.KindMessaging && kind != model.KindBridge {
		return nil, model.Validationf("unknown kind %q", kind)
	}
	key := model.StateKey{AccountID: accountID, Kind: kind}
	f.mu.Lock()
	if l, ok := f.lanes[key]; ok {
		f.mu.Unlock()
		return l, nil
	}
	f.mu.Unlock()

	st := model.NewConnectionState(accountID, kind, f.now())
	if f.store != nil {
		stored, err := f.store.GetConnectionState(ctx, accountID, kind)
		switch {
		case err == nil:
			st = stored
		case errors.Is(err, db.ErrNotFound):
		default:
			return nil, model.ExternalSystem("load connection state", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lanes[key]; ok {
		return l, nil
	}
	l := &lane{key: key, state: st}
	f.lanes[key] = l
	f.indexLocked(key, model.ConnectionState{}, st)
	return l, nil
}

// existingLane returns a lane only if it is already loaded.
func (f *Facade) existingLane(key model.StateKey) (*lane, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lanes[key]
	return l, ok
}

// commit applies next to l. The caller holds l.mu. No-op writes are skipped.
func (f *Facade) commit(ctx context.Context, l *lane, next model.ConnectionState) {
	prev := l.state
	if prev.Version > 0 && next.SameObservable(prev) {
		return
	}
	next.AccountID = l.key.AccountID
	next.Kind = l.key.Kind
	next.Version = prev.Version + 1
	if next.LastUpdatedAt.IsZero() {
		next.LastUpdatedAt = f.now()
	}
	if next.LastUpdateSource == "" {
		next.LastUpdateSource = model.SourceUserAction
	}

	if f.store != nil {
		var tr model.Transition
		if prev.Version == 0 || prev.Phase != next.Phase || prev.Progress != next.Progress || prev.AttemptToken != next.AttemptToken || prev.ErrorKind != next.ErrorKind {
			tr = model.Transition{
				AccountID:    next.AccountID,
				Kind:         next.Kind,
				AttemptToken: next.AttemptToken,
				FromPhase:    prev.Phase,
				ToPhase:      next.Phase,
				Progress:     next.Progress,
				Source:       next.LastUpdateSource,
				Detail:       security.RedactPayload(next.Detail),
				Version:      next.Version,
				RecordedAt:   next.LastUpdatedAt,
			}
		}
		// Persisting is write-through; the in-memory lane stays authoritative.
		if err := f.store.SaveConnectionState(context.WithoutCancel(ctx), next, tr); err != nil {
			f.log.Error().Err(err).Str("key", l.key.String()).Int64("version", next.Version).Msg("persist connection state")
		}
	}

	l.state = next
	f.index(l.key, prev, next)
	f.metrics.RecordTransition(string(next.Kind), string(next.Phase), string(next.LastUpdateSource))
	if prev.Phase != next.Phase {
		f.log.Info().
			Str("account", next.AccountID).
			Str("kind", string(next.Kind)).
			Str("from", string(prev.Phase)).
			Str("to", string(next.Phase)).
			Str("source", string(next.LastUpdateSource)).
			Str("detail", security.RedactPayload(next.Detail)).
			Msg("connection phase changed")
	}
	f.publish(next)
}

// index keeps the attempt-token and resource-id lookups used to route push
// events. Called with l.mu held.
func (f *Facade) index(key model.StateKey, prev, next model.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexLocked(key, prev, next)
}

// indexLocked is index for callers that already hold f.mu.
func (f *Facade) indexLocked(key model.StateKey, prev, next model.ConnectionState) {
	if prev.AttemptToken != next.AttemptToken {
		if prev.AttemptToken != "" && f.tokens[prev.AttemptToken] == key {
			delete(f.tokens, prev.AttemptToken)
		}
		if next.AttemptToken != "" {
			f.tokens[next.AttemptToken] = key
		}
	}
	if prev.ExternalResourceID != next.ExternalResourceID {
		if prev.ExternalResourceID != "" && f.resources[prev.ExternalResourceID] == key {
			delete(f.resources, prev.ExternalResourceID)
		}
		if next.ExternalResourceID != "" {
			f.resources[next.ExternalResourceID] = key
		}
	}
}

func (f *Facade) publish(st model.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		if !sub.filter.matches(st) {
			continue
		}
		select {
		case sub.ch <- st.Clone():
		default:
			f.log.Debug().Uint64("subscription", id).Str("key", st.Key().String()).Msg("subscriber lagging, snapshot dropped")
		}
	}
}

// beginCall marks an external call in flight. The caller holds l.mu.
func (f *Facade) beginCall(ctx context.Context, l *lane, name string) uint64 {
	l.seq++
	l.call = l.seq
	next := l.state.Clone()
	next.Pending = name
	next.LastUpdatedAt = f.now()
	next.LastUpdateSource = model.SourceUserAction
	f.commit(ctx, l, next)
	return l.call
}

// endCall reports whether the result of call id is still wanted and, if so,
// retires it. The caller holds l.mu.
func (f *Facade) endCall(l *lane, id uint64, token string) bool {
	if id == 0 || l.call != id || l.state.AttemptToken != token {
		return false
	}
	l.call = 0
	return true
}

// preempt abandons any in-flight call and monitor of l.
func (f *Facade) preempt(l *lane) {
	l.call = 0
	l.early = nil
	f.stopMonitor(l)
}

func (f *Facade) busy(l *lane) error {
	if l.call != 0 {
		return model.Validationf("operation already in progress")
	}
	return nil
}

// stale logs and returns the current snapshot for a result that arrived after
// its attempt was superseded.
func (f *Facade) stale(l *lane, op string) (model.ConnectionState, error) {
	f.log.Debug().Str("key", l.key.String()).Str("op", op).Msg("discarding result of superseded attempt")
	return l.state.Clone(), model.ErrStaleAttempt
}
