package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/g960059/sigbridge/internal/api"
	"github.com/g960059/sigbridge/internal/config"
	"github.com/g960059/sigbridge/internal/health"
	"github.com/g960059/sigbridge/internal/metrics"
	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/orchestrator"
	"github.com/g960059/sigbridge/internal/provider"
	"github.com/g960059/sigbridge/internal/provisioning"
)

const (
	defaultTransitionsLimit = 50
	maxRequestBody          = 1 << 20
)

// TransitionLister reads the audit trail. Implemented by *db.Store.
type TransitionLister interface {
	ListTransitions(ctx context.Context, accountID string, kind model.Kind, limit int) ([]model.Transition, error)
}

type Options struct {
	Facade *orchestrator.Facade
	// Transitions is optional; without it the transitions route answers 404.
	Transitions TransitionLister
	// Gatherer is optional; without it /metrics is not served.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	facade      *orchestrator.Facade
	transitions TransitionLister
	metrics     *metrics.Metrics
	log         zerolog.Logger
	streamID    string
	sequence    atomic.Int64
	closing     chan struct{}
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, opts Options) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:         cfg,
		facade:      opts.Facade,
		transitions: opts.Transitions,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		streamID:    uuid.NewString(),
		closing:     make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if s.facade != nil {
		mux.HandleFunc("/v1/connections", s.connectionsHandler)
		mux.HandleFunc("/v1/connections/", s.connectionByKeyHandler)
		mux.HandleFunc("/v1/messaging/", s.messagingHandler)
		mux.HandleFunc("/v1/bridge/", s.bridgeHandler)
		mux.HandleFunc("/v1/push", s.pushHandler)
		mux.HandleFunc("/v1/watch", s.watchHandler)
	}
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler exposes the routes for in-process use.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("socket", s.cfg.SocketPath).Msg("daemon listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.closing)
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        string(health.StatusOK),
	}
	if s.facade != nil {
		bh := s.facade.BridgeHealth()
		resp.Bridge = &api.ProviderHealth{
			Status:              string(bh.Current),
			ConsecutiveFailures: bh.ConsecutiveFailures,
			LastTransitionAt:    bh.LastTransitionAt,
		}
		if bh.Current != health.StatusOK {
			resp.Status = string(health.StatusDegraded)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	filter, _, apiErr := parseFilter(r.URL.Query())
	if apiErr != nil {
		apiErr.write(s, w)
		return
	}
	states := s.facade.States(filter)
	resp := api.StatesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		States:        make([]api.ConnectionState, 0, len(states)),
	}
	for _, st := range states {
		resp.States = append(resp.States, toConnectionState(st))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// connectionByKeyHandler serves /v1/connections/{account}/{kind}[/start|/transitions].
func (s *Server) connectionByKeyHandler(w http.ResponseWriter, r *http.Request) {
	parts, apiErr := splitRoute(r.URL.Path, "/v1/connections/")
	if apiErr != nil {
		apiErr.write(s, w)
		return
	}
	if len(parts) < 2 || len(parts) > 3 {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "connection route not found")
		return
	}
	accountID := parts[0]
	kind, err := model.ParseKind(parts[1])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	if len(parts) == 2 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		st, err := s.facade.GetState(r.Context(), kind, accountID)
		s.writeResult(w, st, err)
		return
	}
	switch parts[2] {
	case "start":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		st, err := s.facade.StartChallenge(r.Context(), kind, accountID)
		s.writeResult(w, st, err)
	case "transitions":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listTransitions(w, r, accountID, kind)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "connection route not found")
	}
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request, accountID string, kind model.Kind) {
	if s.transitions == nil {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "transition history is not available")
		return
	}
	limit := defaultTransitionsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.transitions.ListTransitions(r.Context(), accountID, kind, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	resp := api.TransitionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		AccountID:     accountID,
		Kind:          string(kind),
		Transitions:   make([]api.Transition, 0, len(list)),
	}
	for _, tr := range list {
		resp.Transitions = append(resp.Transitions, api.Transition{
			FromPhase:  string(tr.FromPhase),
			ToPhase:    string(tr.ToPhase),
			Progress:   tr.Progress,
			Source:     string(tr.Source),
			Detail:     tr.Detail,
			Version:    tr.Version,
			RecordedAt: tr.RecordedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// messagingHandler serves POST /v1/messaging/{account}/{op}.
func (s *Server) messagingHandler(w http.ResponseWriter, r *http.Request) {
	accountID, op, ok := s.accountOpRoute(w, r, "/v1/messaging/")
	if !ok {
		return
	}
	ctx := r.Context()
	var (
		st  model.ConnectionState
		err error
	)
	switch op {
	case "credentials":
		var req api.CredentialsRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		st, err = s.facade.SubmitCredentials(ctx, accountID, provider.Credentials{APIID: req.APIID, APIHash: req.APIHash, Phone: req.Phone})
	case "code":
		var req api.CodeRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		st, err = s.facade.SubmitCode(ctx, accountID, req.Code)
	case "password":
		var req api.PasswordRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		st, err = s.facade.SubmitPassword(ctx, accountID, req.Password)
	case "reconnect":
		st, err = s.facade.Reconnect(ctx, accountID)
	case "disconnect":
		st, err = s.facade.Disconnect(ctx, accountID)
	case "new-session":
		st, err = s.facade.StartNewSession(ctx, accountID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "messaging route not found")
		return
	}
	s.writeResult(w, st, err)
}

// bridgeHandler serves POST /v1/bridge/{account}/{op}.
func (s *Server) bridgeHandler(w http.ResponseWriter, r *http.Request) {
	accountID, op, ok := s.accountOpRoute(w, r, "/v1/bridge/")
	if !ok {
		return
	}
	ctx := r.Context()
	var (
		st  model.ConnectionState
		err error
	)
	switch op {
	case "create":
		var req api.CreateRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		st, err = s.facade.Create(ctx, accountID, provisioning.CreateInput{
			AccountNumber: req.AccountNumber,
			Password:      req.Password,
			Server:        req.Server,
			Platform:      req.Platform,
			Hints:         provider.BrokerHints{Family: req.BrokerFamily},
		})
	case "cancel":
		st, err = s.facade.Cancel(ctx, accountID)
	case "retry":
		st, err = s.facade.Retry(ctx, accountID)
	case "recheck":
		st, err = s.facade.Recheck(ctx, accountID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "bridge route not found")
		return
	}
	s.writeResult(w, st, err)
}

// pushHandler ingests one provider push event delivered as a webhook.
func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	ev, err := provider.DecodePushEvent(body, time.Now().UTC())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	s.metrics.PushReceived("webhook")
	st, err := s.facade.HandlePush(r.Context(), ev)
	resp := api.PushResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Accepted:      err == nil,
	}
	if err != nil && !errors.Is(err, model.ErrStaleAttempt) {
		s.writeFacadeError(w, err)
		return
	}
	if st.AccountID != "" {
		view := toConnectionState(st)
		resp.State = &view
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) accountOpRoute(w http.ResponseWriter, r *http.Request, prefix string) (string, string, bool) {
	parts, apiErr := splitRoute(r.URL.Path, prefix)
	if apiErr != nil {
		apiErr.write(s, w)
		return "", "", false
	}
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "route not found")
		return "", "", false
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return false
	}
	return true
}

// writeResult renders a facade result. A superseded request still answers 200
// with the current snapshot.
func (s *Server) writeResult(w http.ResponseWriter, st model.ConnectionState, err error) {
	if err != nil && !errors.Is(err, model.ErrStaleAttempt) {
		s.writeFacadeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StateEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		State:         toConnectionState(st),
		Stale:         err != nil,
	})
}

func (s *Server) writeFacadeError(w http.ResponseWriter, err error) {
	merr := model.AsError(err)
	status := http.StatusBadGateway
	switch merr.Kind {
	case model.ErrorValidation:
		status = http.StatusBadRequest
	case model.ErrorInvalidCredential, model.ErrorResourceNotFound:
		status = http.StatusUnprocessableEntity
	case model.ErrorProvisioningTimeout:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:        merr.Code(),
			Message:     merr.Message,
			Suggestions: merr.Suggestions,
		},
	})
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) write(s *Server, w http.ResponseWriter) {
	s.writeError(w, e.status, e.code, e.message)
}

func splitRoute(path, prefix string) ([]string, *apiError) {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return nil, &apiError{status: http.StatusNotFound, code: model.ErrRefNotFound, message: "route not found"}
	}
	parts := strings.Split(tail, "/")
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return nil, &apiError{status: http.StatusBadRequest, code: model.ErrRefInvalid, message: "invalid path encoding"}
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, &apiError{status: http.StatusNotFound, code: model.ErrRefNotFound, message: "route not found"}
		}
		parts[i] = v
	}
	return parts, nil
}

func parseFilter(q url.Values) (orchestrator.Filter, map[string]any, *apiError) {
	filter := orchestrator.Filter{AccountID: strings.TrimSpace(q.Get("account"))}
	filters := map[string]any{}
	if filter.AccountID != "" {
		filters["account"] = filter.AccountID
	}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind, err := model.ParseKind(raw)
		if err != nil {
			return orchestrator.Filter{}, nil, &apiError{status: http.StatusBadRequest, code: model.ErrRefInvalid, message: err.Error()}
		}
		filter.Kind = kind
		filters["kind"] = string(kind)
	}
	return filter, filters, nil
}

func toConnectionState(st model.ConnectionState) api.ConnectionState {
	return api.ConnectionState{
		AccountID:          st.AccountID,
		Kind:               string(st.Kind),
		Phase:              string(st.Phase),
		Detail:             st.Detail,
		ExternalResourceID: st.ExternalResourceID,
		Progress:           st.Progress,
		PushCompleted:      st.PushCompleted,
		TimedOut:           st.TimedOut,
		Pending:            st.Pending,
		Suggestions:        st.Suggestions,
		ErrorKind:          string(st.ErrorKind),
		Version:            st.Version,
		LastUpdatedAt:      st.LastUpdatedAt,
		LastUpdateSource:   string(st.LastUpdateSource),
	}
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
