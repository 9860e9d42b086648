// Package push keeps a websocket subscription to the bridge provider's
// deployment progress feed and forwards each event to the orchestrator.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g960059/sigbridge/internal/metrics"
	"github.com/g960059/sigbridge/internal/model"
	"github.com/g960059/sigbridge/internal/provider"
)

const (
	transportWebsocket = "websocket"
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// Handler receives decoded push events. Implemented by *orchestrator.Facade.
type Handler interface {
	HandlePush(ctx context.Context, ev provider.PushEvent) (model.ConnectionState, error)
}

type Options struct {
	URL        string
	Token      string
	Handler    Handler
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Now        func() time.Time
}

type Subscriber struct {
	url     string
	header  http.Header
	handler Handler
	metrics *metrics.Metrics
	log     zerolog.Logger
	dialer  *websocket.Dialer
	now     func() time.Time
	backoff *backoff.ExponentialBackOff
}

func New(opts Options) (*Subscriber, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, fmt.Errorf("push url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push url must use ws or wss, got %q", u.Scheme)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("push handler is required")
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.MinBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultMinBackoff
	}
	b.MaxInterval = opts.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultMaxBackoff
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return &Subscriber{
		url:     u.String(),
		header:  header,
		handler: opts.Handler,
		metrics: opts.Metrics,
		log:     opts.Logger,
		dialer:  dialer,
		now:     now,
		backoff: b,
	}, nil
}

// Run keeps the subscription open until ctx is done. A dropped or refused
// connection is retried with exponential backoff; the backoff resets once a
// connection has been established.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.metrics.SetPushConnected(false)
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			s.backoff.Reset()
		}
		wait := s.backoff.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("push feed disconnected")
		s.metrics.PushReconnecting()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context) (bool, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial push feed: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial push feed: %w", err)
	}
	s.metrics.SetPushConnected(true)
	s.log.Info().Str("url", s.url).Msg("push feed connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close() //nolint:errcheck
		case <-done:
		}
	}()
	defer conn.Close() //nolint:errcheck
	defer s.metrics.SetPushConnected(false)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read push feed: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.deliver(ctx, data)
	}
}

func (s *Subscriber) deliver(ctx context.Context, data []byte) {
	ev, err := provider.DecodePushEvent(data, s.now())
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable push event")
		return
	}
	s.metrics.PushReceived(transportWebsocket)
	_, err = s.handler.HandlePush(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrStaleAttempt):
		s.log.Debug().Str("job", ev.JobID).Str("account", ev.AccountID).Msg("stale push event dropped")
	default:
		s.log.Warn().Err(err).Str("job", ev.JobID).Str("account", ev.AccountID).Msg("push event not applied")
	}
}
