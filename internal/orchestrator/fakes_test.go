package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/sigbridge/internal/provider"
)

type fakeMessaging struct {
	requestCodeCalls    atomic.Int32
	verifyCodeCalls     atomic.Int32
	verifyPasswordCalls atomic.Int32
	checkCalls          atomic.Int32

	requestCode    func(ctx context.Context, creds provider.Credentials) (provider.MessagingReply, error)
	verifyCode     func(code string) (provider.MessagingReply, error)
	verifyPassword func(password string) (provider.MessagingReply, error)
	check          func() (provider.ConnectionCheck, error)
}

func (m *fakeMessaging) RequestCode(ctx context.Context, _ string, creds provider.Credentials) (provider.MessagingReply, error) {
	m.requestCodeCalls.Add(1)
	if m.requestCode != nil {
		return m.requestCode(ctx, creds)
	}
	return provider.MessagingReply{Status: provider.MessagingCodeSent}, nil
}

func (m *fakeMessaging) VerifyCode(_ context.Context, _ string, code string) (provider.MessagingReply, error) {
	m.verifyCodeCalls.Add(1)
	if m.verifyCode != nil {
		return m.verifyCode(code)
	}
	return provider.MessagingReply{Status: provider.MessagingConnected}, nil
}

func (m *fakeMessaging) VerifyPassword(_ context.Context, _ string, password string) (provider.MessagingReply, error) {
	m.verifyPasswordCalls.Add(1)
	if m.verifyPassword != nil {
		return m.verifyPassword(password)
	}
	return provider.MessagingReply{Status: provider.MessagingConnected}, nil
}

func (m *fakeMessaging) CheckConnection(context.Context, string) (provider.ConnectionCheck, error) {
	m.checkCalls.Add(1)
	if m.check != nil {
		return m.check()
	}
	return provider.ConnectionCheck{Connected: true, ChannelsCount: 2}, nil
}

func (m *fakeMessaging) totalCalls() int32 {
	return m.requestCodeCalls.Load() + m.verifyCodeCalls.Load() + m.verifyPasswordCalls.Load() + m.checkCalls.Load()
}

type fakeBridge struct {
	createCalls atomic.Int32
	statusCalls atomic.Int32
	listCalls   atomic.Int32

	mu       sync.Mutex
	requests []provider.CreateRequest

	create  func(ctx context.Context, req provider.CreateRequest) (provider.CreateReply, error)
	status  func(resourceID string) (provider.ResourceStatus, error)
	servers []string
}

// CreateResource defaults to a deploying resource named after the job id.
func (b *fakeBridge) CreateResource(ctx context.Context, req provider.CreateRequest) (provider.CreateReply, error) {
	b.createCalls.Add(1)
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.create != nil {
		return b.create(ctx, req)
	}
	return provider.CreateReply{
		Success:    true,
		ResourceID: "res-" + req.JobID,
		Deployment: provider.DeploymentDeploying,
	}, nil
}

func (b *fakeBridge) GetResourceStatus(_ context.Context, resourceID string) (provider.ResourceStatus, error) {
	b.statusCalls.Add(1)
	if b.status != nil {
		return b.status(resourceID)
	}
	return provider.ResourceStatus{Deployment: provider.DeploymentDeploying}, nil
}

func (b *fakeBridge) ListServers(context.Context, provider.BrokerHints) ([]string, error) {
	b.listCalls.Add(1)
	return append([]string(nil), b.servers...), nil
}

func (b *fakeBridge) lastRequest() provider.CreateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return provider.CreateRequest{}
	}
	return b.requests[len(b.requests)-1]
}

type testEnv struct {
	facade    *Facade
	messaging *fakeMessaging
	bridge    *fakeBridge
}

// newTestFacade builds a facade over fakes. Polling is effectively disabled
// unless mutate shortens PollInterval. Tokens are tok-1, tok-2, ...
func newTestFacade(t *testing.T, mutate func(*Options)) testEnv {
	t.Helper()
	env := testEnv{messaging: &fakeMessaging{}, bridge: &fakeBridge{}}
	var seq atomic.Int64
	opts := Options{
		Messaging:       env.messaging,
		Bridge:          env.bridge,
		Logger:          zerolog.Nop(),
		PollInterval:    time.Hour,
		PollMaxDuration: 2 * time.Hour,
		NewToken: func() string {
			return fmt.Sprintf("tok-%d", seq.Add(1))
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.facade = New(opts)
	t.Cleanup(env.facade.Close)
	return env
}

func validCredentials() provider.Credentials {
	return provider.Credentials{APIID: "12345", APIHash: "0123abcd", Phone: "+1 555 123 4567"}
}
