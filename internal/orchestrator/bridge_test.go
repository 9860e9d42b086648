package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/g960059/sigbridge/internal/advisor"
	"github.com/g960059/sigbridge/internal/health"
	"github.com/g960059/sigbridge/internal/metrics"
	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/provisioning"
	"github.com/g960059/sigbridge/internal/testutil"
)

func validCreateInput() provisioning.CreateInput {
	return provisioning.CreateInput{
		AccountNumber: "5001234",
		Password:      "s3cret",
		Server:        "ICMarkets-Live01",
		Platform:      "mt5",
	}
}

func push(jobID string, status provider.PushStatus, progress int) provider.PushEvent {
	return provider.PushEvent{JobID: jobID, AccountID: "acct-1", Status: status, Progress: progress}
}

func TestCreateValidationMakesNoCalls(t *testing.T) {
	env := newTestFacade(t, nil)
	cases := []struct {
		name   string
		mutate func(*provisioning.CreateInput)
	}{
		{"missing account number", func(in *provisioning.CreateInput) { in.AccountNumber = "" }},
		{"non numeric account number", func(in *provisioning.CreateInput) { in.AccountNumber = "50A1" }},
		{"missing password", func(in *provisioning.CreateInput) { in.Password = "" }},
		{"missing server", func(in *provisioning.CreateInput) { in.Server = " " }},
		{"bad platform", func(in *provisioning.CreateInput) { in.Platform = "ctrader" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validCreateInput()
			tc.mutate(&in)
			st, err := env.facade.Create(context.Background(), "acct-1", in)
			var merr *model.Error
			if !errors.As(err, &merr) || merr.Kind != model.ErrorValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if st.Phase != model.PhaseIdle || st.Version != 0 {
				t.Fatalf("state must be untouched, got %+v", st)
			}
		})
	}
	if n := env.bridge.createCalls.Load(); n != 0 {
		t.Fatalf("expected no create calls, got %d", n)
	}
}

func TestCreateThenPushToConnected(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()

	st, err := env.facade.Create(ctx, "acct-1", validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Phase != model.PhaseDeploying || st.ExternalResourceID != "res-tok-1" || st.Progress != provisioning.ProgressCreated {
		t.Fatalf("unexpected state after create: %+v", st)
	}
	req := env.bridge.lastRequest()
	if req.AccountID != "acct-1" || req.JobID != "tok-1" || req.Platform != provider.PlatformMT5 {
		t.Fatalf("unexpected create request %+v", req)
	}

	steps := []struct {
		ev       provider.PushEvent
		phase    model.Phase
		progress int
	}{
		{push("tok-1", provider.PushInProgress, 40), model.PhaseDeploying, 40},
		{push("tok-1", provider.PushInProgress, 85), model.PhaseConnecting, 85},
		{push("tok-1", provider.PushComplete, 100), model.PhaseConnected, 100},
	}
	for i, step := range steps {
		st, err := env.facade.HandlePush(ctx, step.ev)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if st.Phase != step.phase || st.Progress != step.progress {
			t.Fatalf("step %d: got %s/%d want %s/%d", i, st.Phase, st.Progress, step.phase, step.progress)
		}
	}
}

func TestDuplicatePushIsNoOp(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := env.facade.HandlePush(ctx, push("tok-1", provider.PushInProgress, 50))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := env.facade.HandlePush(ctx, push("tok-1", provider.PushInProgress, 50))
		if err != nil {
			t.Fatalf("duplicate push %d: %v", i, err)
		}
		if again.Version != first.Version {
			t.Fatalf("duplicate push changed version %d -> %d", first.Version, again.Version)
		}
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	seen := 0
	for _, p := range []int{20, 60, 30, 60, 45, 90, 10} {
		st, err := env.facade.HandlePush(ctx, push("tok-1", provider.PushInProgress, p))
		if err != nil {
			t.Fatalf("push %d: %v", p, err)
		}
		if st.Progress < seen {
			t.Fatalf("progress regressed from %d to %d", seen, st.Progress)
		}
		seen = st.Progress
	}
	if seen != 90 {
		t.Fatalf("expected final progress 90, got %d", seen)
	}
}

func TestStaleAttemptIsolation(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	current, err := env.facade.Create(ctx, "acct-1", validCreateInput())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if current.AttemptToken != "tok-2" || current.ExternalResourceID != "res-tok-2" {
		t.Fatalf("unexpected second attempt %+v", current)
	}

	stale := []provider.PushEvent{
		push("tok-1", provider.PushComplete, 100),
		{ResourceID: "res-tok-1", Status: provider.PushError, Message: "old resource failed"},
		{JobID: "tok-1", Status: provider.PushInProgress, Progress: 99},
	}
	for i, ev := range stale {
		if _, err := env.facade.HandlePush(ctx, ev); !errors.Is(err, model.ErrStaleAttempt) {
			t.Fatalf("event %d: expected stale attempt, got %v", i, err)
		}
	}
	st, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")
	if st.Version != current.Version || st.Phase != model.PhaseDeploying {
		t.Fatalf("stale events changed the state: %+v", st)
	}

	st, err = env.facade.HandlePush(ctx, push("tok-2", provider.PushInProgress, 30))
	if err != nil || st.Progress != 30 {
		t.Fatalf("current attempt push not applied: %+v %v", st, err)
	}
}

func TestPushRoutedByUserIDAndResource(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := env.facade.HandlePush(ctx, provider.PushEvent{JobID: "acct-1", ResourceID: "res-tok-1", Status: provider.PushInProgress, Progress: 55})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if st.Progress != 55 {
		t.Fatalf("expected progress 55, got %d", st.Progress)
	}
	if _, err := env.facade.HandlePush(ctx, provider.PushEvent{JobID: "acct-unknown", Status: provider.PushComplete}); !errors.Is(err, model.ErrStaleAttempt) {
		t.Fatalf("expected unroutable push to be stale, got %v", err)
	}
}

func TestPushCompleteBeatsLaterPoll(t *testing.T) {
	env := newTestFacade(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := env.facade.HandlePush(ctx, push("tok-1", provider.PushComplete, 100))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	st, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")
	if st.Phase != model.PhaseConnected || st.Version != done.Version {
		t.Fatalf("poll overrode push completion: %+v", st)
	}
}

func TestPollCompletionBeatsLaterPush(t *testing.T) {
	env := newTestFacade(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	env.bridge.status = func(string) (provider.ResourceStatus, error) {
		return provider.ResourceStatus{Deployment: provider.DeploymentDeployed, Connection: provider.ConnectionConnected}, nil
	}
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	testutil.WaitFor(t, 2*time.Second, func() bool {
		st, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")
		return st.Phase == model.PhaseConnected
	})
	before, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")

	st, err := env.facade.HandlePush(ctx, push("tok-1", provider.PushInProgress, 50))
	if err != nil {
		t.Fatalf("late push: %v", err)
	}
	if st.Phase != model.PhaseConnected || st.Progress != 100 || st.Version != before.Version {
		t.Fatalf("late push regressed the state: %+v", st)
	}
}

func TestUnknownServerSuggestsAlternatives(t *testing.T) {
	env := newTestFacade(t, func(o *Options) {
		o.Suggest = advisor.Options{Limit: 3, Threshold: 0.8}
	})
	env.bridge.create = func(context.Context, provider.CreateRequest) (provider.CreateReply, error) {
		return provider.CreateReply{
			ErrorCode:        provider.ErrorCodeServerNotFound,
			Message:          "Server not found",
			SuggestedServers: []string{"ICMarkets-Live02"},
		}, nil
	}
	env.bridge.servers = []string{"ICMarkets-Live01", "ICMarkets-Demo", "Pepperstone-Live"}

	in := validCreateInput()
	in.Server = "ICMarkets-Live1"
	st, err := env.facade.Create(context.Background(), "acct-1", in)
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.ErrorResourceNotFound {
		t.Fatalf("expected resource not found, got %v", err)
	}
	want := []string{"ICMarkets-Live01", "ICMarkets-Live02"}
	if !reflect.DeepEqual(merr.Suggestions, want) || !reflect.DeepEqual(st.Suggestions, want) {
		t.Fatalf("unexpected suggestions err=%v state=%v", merr.Suggestions, st.Suggestions)
	}
	if st.Phase != model.PhaseError || st.ErrorKind != model.ErrorResourceNotFound {
		t.Fatalf("unexpected state %+v", st)
	}
	if env.bridge.listCalls.Load() != 1 {
		t.Fatalf("expected one catalog lookup, got %d", env.bridge.listCalls.Load())
	}

	st, err = env.facade.Retry(context.Background(), "acct-1")
	if err != nil || st.Phase != model.PhaseIdle || len(st.Suggestions) != 0 {
		t.Fatalf("retry: %+v %v", st, err)
	}
}

func TestCreateProviderFailure(t *testing.T) {
	env := newTestFacade(t, nil)
	env.bridge.create = func(context.Context, provider.CreateRequest) (provider.CreateReply, error) {
		return provider.CreateReply{}, &provider.RequestError{StatusCode: 502, Code: "HTTP_502", Message: "bad gateway"}
	}
	st, err := env.facade.Create(context.Background(), "acct-1", validCreateInput())
	var merr *model.Error
	if !errors.As(err, &merr) || merr.Kind != model.ErrorExternalSystem {
		t.Fatalf("expected external system error, got %v", err)
	}
	if st.Phase != model.PhaseError || st.Detail != "bad gateway" || st.Pending != "" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestMonitorTimeoutThenLatePushCompletes(t *testing.T) {
	env := newTestFacade(t, func(o *Options) {
		o.PollInterval = 5 * time.Millisecond
		o.PollMaxDuration = 40 * time.Millisecond
	})
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	testutil.WaitFor(t, 2*time.Second, func() bool {
		st, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")
		return st.TimedOut
	})
	st, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")
	if st.Phase != model.PhaseDeploying || st.ErrorKind != model.ErrorProvisioningTimeout {
		t.Fatalf("timeout should keep the phase and flag the error: %+v", st)
	}

	st, err := env.facade.HandlePush(ctx, push("tok-1", provider.PushComplete, 100))
	if err != nil {
		t.Fatalf("late push: %v", err)
	}
	if st.Phase != model.PhaseConnected || st.TimedOut || st.ErrorKind != "" {
		t.Fatalf("late completion not applied: %+v", st)
	}
}

func TestRecheckPollsOnce(t *testing.T) {
	env := newTestFacade(t, nil)
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	env.bridge.status = func(resourceID string) (provider.ResourceStatus, error) {
		if resourceID != "res-tok-1" {
			t.Errorf("unexpected resource %s", resourceID)
		}
		return provider.ResourceStatus{Deployment: provider.DeploymentDeployed, Connection: provider.ConnectionConnected}, nil
	}
	st, err := env.facade.Recheck(ctx, "acct-1")
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if st.Phase != model.PhaseConnected || st.Pending != "" {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, err := env.facade.Recheck(ctx, "acct-1"); err == nil {
		t.Fatalf("recheck must be rejected once connected")
	}
}

func TestPollFailuresDegradeHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	env := newTestFacade(t, func(o *Options) {
		o.PollInterval = 5 * time.Millisecond
		o.Metrics = m
		o.HealthPolicy = health.Policy{DownFailures: 3, DownWindow: time.Minute, RecoverSuccesses: 2}
	})
	env.bridge.status = func(string) (provider.ResourceStatus, error) {
		return provider.ResourceStatus{}, errors.New("connection refused")
	}
	ctx := context.Background()
	if _, err := env.facade.Create(ctx, "acct-1", validCreateInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return env.facade.BridgeHealth().Current == health.StatusDown
	})
	st, _ := env.facade.GetState(ctx, model.KindBridge, "acct-1")
	if st.Phase != model.PhaseDeploying || st.ErrorKind != "" {
		t.Fatalf("failed polls must not change the state: %+v", st)
	}
	if got := promtest.ToFloat64(m.PollFailures); got < 3 {
		t.Fatalf("expected at least 3 poll failures, got %v", got)
	}
	if got := promtest.ToFloat64(m.ActiveMonitors); got != 1 {
		t.Fatalf("expected one active monitor, got %v", got)
	}
}

func TestCancelDiscardsLateCreateReply(t *testing.T) {
	env := newTestFacade(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	env.bridge.create = func(_ context.Context, req provider.CreateRequest) (provider.CreateReply, error) {
		entered <- struct{}{}
		<-release
		return provider.CreateReply{Success: true, ResourceID: "res-late", Deployment: provider.DeploymentDeploying}, nil
	}
	ctx := context.Background()
	errs := make(chan error, 1)
	go func() {
		_, err := env.facade.Create(ctx, "acct-1", validCreateInput())
		errs <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("create was not called")
	}

	if _, err := env.facade.Retry(ctx, "acct-1"); err == nil {
		t.Fatalf("retry must be rejected while creating")
	}
	st, err := env.facade.Cancel(ctx, "acct-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.Phase != model.PhaseIdle || st.AttemptToken != "" {
		t.Fatalf("unexpected cancelled state %+v", st)
	}
	close(release)

	select {
	case err := <-errs:
		if !errors.Is(err, model.ErrStaleAttempt) {
			t.Fatalf("expected stale attempt, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("create did not return")
	}
	st, _ = env.facade.GetState(ctx, model.KindBridge, "acct-1")
	if st.Phase != model.PhaseIdle || st.ExternalResourceID != "" {
		t.Fatalf("late reply leaked into the cancelled state: %+v", st)
	}
	if _, err := env.facade.Cancel(ctx, "acct-1"); err == nil {
		t.Fatalf("cancel from idle must be rejected")
	}
}

func TestPushBeforeCreateReplyIsReplayed(t *testing.T) {
	cases := []struct {
		name          string
		pushes        []provider.PushEvent
		phase         model.Phase
		progress      int
		pushCompleted bool
		monitored     bool
	}{
		{
			name:          "complete",
			pushes:        []provider.PushEvent{push("tok-1", provider.PushInProgress, 50), push("tok-1", provider.PushComplete, 100)},
			phase:         model.PhaseConnected,
			progress:      100,
			pushCompleted: true,
		},
		{
			name:     "error",
			pushes:   []provider.PushEvent{push("tok-1", provider.PushError, 0)},
			phase:    model.PhaseError,
			progress: provisioning.ProgressCreated,
		},
		{
			name:      "most advanced progress",
			pushes:    []provider.PushEvent{push("tok-1", provider.PushInProgress, 30), push("tok-1", provider.PushInProgress, 60), push("tok-1", provider.PushInProgress, 20)},
			phase:     model.PhaseDeploying,
			progress:  60,
			monitored: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestFacade(t, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
			ctx := context.Background()
			env.bridge.create = func(_ context.Context, req provider.CreateRequest) (provider.CreateReply, error) {
				for _, ev := range tc.pushes {
					st, err := env.facade.HandlePush(ctx, ev)
					if err != nil {
						t.Fatalf("push during create: %v", err)
					}
					if st.Phase != model.PhaseCreating {
						t.Fatalf("push during create must not move the phase, got %s", st.Phase)
					}
				}
				return provider.CreateReply{Success: true, ResourceID: "res-" + req.JobID, Deployment: provider.DeploymentDeploying}, nil
			}

			st, err := env.facade.Create(ctx, "acct-1", validCreateInput())
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if st.Phase != tc.phase || st.Progress != tc.progress || st.PushCompleted != tc.pushCompleted {
				t.Fatalf("after create: phase=%s progress=%d pushCompleted=%v", st.Phase, st.Progress, st.PushCompleted)
			}
			time.Sleep(40 * time.Millisecond)
			polled := env.bridge.statusCalls.Load() > 0
			if polled != tc.monitored {
				t.Fatalf("monitoring=%v, want %v", polled, tc.monitored)
			}
		})
	}
}
