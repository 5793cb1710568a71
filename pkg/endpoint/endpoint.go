// Package endpoint binds the CoAP stack to a datagram transport.
//
// An Endpoint decodes datagrams, matches them to exchanges and runs them
// through the observe, blockwise and reliability layers. On top it offers a
// small client API (Do, Observe, Ping) and serves requests with a Handler.
//
// # Inbound Flow
//
//	transport -> decode -> Matcher -> Stack (reliability, blockwise, observe) -> Handler
//
// Datagrams that fail to decode are answered with a reset when their
// header names a confirmable message, and dropped otherwise. Responses
// that match no exchange are rejected with a reset.
package endpoint

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/backkem/coap/pkg/config"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/stack"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Reset reasons reported to metrics.
const (
	resetFormat    = "format"
	resetUnmatched = "unmatched"
	resetPing      = "ping"
	resetRejected  = "rejected"
)

const (
	attrTracked       exchange.AttrKey = "endpoint-tracked"
	attrNotifications exchange.AttrKey = "endpoint-notifications"
)

// Config configures an Endpoint.
type Config struct {
	// Conn is an optional pre-existing PacketConn, such as one end of a
	// transport.PipeFactory. If nil, a UDP socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5683").
	// Ignored if Conn is provided.
	ListenAddr string

	// Settings are the protocol parameters.
	// Default: config.Default()
	Settings config.Config

	// Handler serves inbound requests.
	// Default: NotFound
	Handler Handler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Metrics receives protocol counters. May be nil.
	Metrics *metrics.Metrics
}

// Endpoint is one CoAP endpoint: a transport, a matcher and a layer stack.
//
// Thread-safe for concurrent access.
type Endpoint struct {
	settings  config.Config
	handler   Handler
	transport transport.Transport
	matcher   *exchange.Matcher
	registry  *exchange.ObserveRegistry
	stack     *stack.Stack
	metrics   *metrics.Metrics
	log       logging.LeveledLogger

	mu      sync.Mutex
	started bool
	stopped bool
	live    map[*exchange.Exchange]struct{}
}

// New creates an endpoint. The transport is opened but not read until
// Start.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Settings == (config.Config{}) {
		cfg.Settings = config.Default()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Handler == nil {
		cfg.Handler = NotFound
	}

	e := &Endpoint{
		settings: cfg.Settings,
		handler:  cfg.Handler,
		registry: exchange.NewObserveRegistry(),
		metrics:  cfg.Metrics,
		live:     make(map[*exchange.Exchange]struct{}),
	}
	if cfg.LoggerFactory != nil {
		e.log = cfg.LoggerFactory.NewLogger("coap-endpoint")
	}

	dedup := exchange.NewDeduplicator(cfg.Settings.DeduplicatorConfig(cfg.LoggerFactory))
	e.matcher = exchange.NewMatcher(cfg.Settings.MatcherConfig(dedup, cfg.LoggerFactory))
	e.stack = stack.NewDefault(
		cfg.Settings.StackConfig(e.registry, cfg.LoggerFactory, cfg.Metrics),
		outbox{e},
		deliverer{e},
	)

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:           cfg.Conn,
		ListenAddr:     cfg.ListenAddr,
		MaxMessageSize: message.MaxUDPMessageSize,
		MessageHandler: e.handle,
		LoggerFactory:  cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	e.transport = udp
	return e, nil
}

// Start begins receiving datagrams.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.matcher.Start()
	if err := e.transport.Start(); err != nil {
		e.matcher.Stop()
		return err
	}
	e.started = true
	if e.log != nil {
		e.log.Infof("endpoint listening on %s", e.transport.LocalAddr())
	}
	return nil
}

// Stop cancels every observe relation, closes the transport and forgets
// all exchanges.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.stopped = true
	started := e.started
	live := make([]*exchange.Exchange, 0, len(e.live))
	for ex := range e.live {
		live = append(live, ex)
	}
	e.mu.Unlock()

	for _, r := range e.registry.Relations() {
		r.Cancel()
	}
	for _, ex := range live {
		ex.Cancel()
	}
	err := e.transport.Stop()
	if started {
		e.matcher.Stop()
	}
	e.matcher.Clear()
	return err
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.transport.LocalAddr()
}

// Relations returns the observe relations this endpoint serves.
func (e *Endpoint) Relations() []*exchange.ObserveRelation {
	return e.registry.Relations()
}

func (e *Endpoint) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.stopped:
		return ErrStopped
	case !e.started:
		return ErrNotStarted
	}
	return nil
}

// Do sends req to peer and waits for the response. Bodies larger than
// the configured message size travel blockwise in both directions and the
// returned response carries the whole body.
//
// When ctx ends first the exchange is canceled and ctx.Err() returned.
func (e *Endpoint) Do(ctx context.Context, req *message.Message, peer transport.PeerAddress) (*message.Message, error) {
	ex, err := e.Send(req, peer)
	if err != nil {
		return nil, err
	}
	select {
	case <-ex.Done():
	case <-ctx.Done():
		ex.Cancel()
		return nil, ctx.Err()
	}
	if err := ex.Err(); err != nil {
		return nil, err
	}
	return ex.Response(), nil
}

// Send starts a request exchange without waiting. The response is
// available from the exchange once Done is closed.
func (e *Endpoint) Send(req *message.Message, peer transport.PeerAddress) (*exchange.Exchange, error) {
	ex := exchange.New(exchange.OriginLocal, req, peer)
	if err := e.start(ex, req); err != nil {
		return nil, err
	}
	return ex, nil
}

func (e *Endpoint) start(ex *exchange.Exchange, req *message.Message) error {
	if err := e.running(); err != nil {
		return err
	}
	if !req.IsRequest() {
		return ErrNoRequest
	}
	e.track(ex)
	if err := e.stack.SendRequest(ex, req); err != nil {
		ex.Fail(err)
		return err
	}
	return nil
}

// Respond sends resp as the response of a remote exchange. Calling it
// again on an observed exchange sends a notification.
func (e *Endpoint) Respond(ex *exchange.Exchange, resp *message.Message) error {
	err := e.stack.SendResponse(ex, resp)
	if err != nil && e.log != nil {
		e.log.Debugf("response on %s not sent: %v", ex, err)
	}
	return err
}

// Accept acknowledges a confirmable request ahead of a separate response.
// It does nothing for other requests or when already acknowledged.
func (e *Endpoint) Accept(ex *exchange.Exchange) error {
	req := ex.CurrentRequest()
	if req == nil || req.Type != message.Confirmable || !ex.MarkRequestAcknowledged() {
		return nil
	}
	return e.stack.SendEmptyMessage(ex, message.NewAck(req))
}

// Reject answers the current request with a reset and completes the
// exchange. Duplicates of the request are rejected again.
func (e *Endpoint) Reject(ex *exchange.Exchange) error {
	req := ex.CurrentRequest()
	if req == nil {
		return exchange.ErrInvalidMessage
	}
	ex.SetRequestRejected()
	err := e.stack.SendEmptyMessage(ex, message.NewReset(req))
	e.metrics.ResetSent(resetRejected)
	ex.SetComplete()
	return err
}

// Notify sends a notification to every observer of path. build returns
// the notification for one relation, or nil to skip it. It returns the
// number of notifications sent.
func (e *Endpoint) Notify(path string, build func(ex *exchange.Exchange) *message.Message) int {
	sent := 0
	for _, r := range e.registry.Relations() {
		ex := r.Exchange()
		if !r.Established() || ex.Request().URIPath() != path {
			continue
		}
		resp := build(ex)
		if resp == nil {
			continue
		}
		if e.Respond(ex, resp) == nil {
			sent++
		}
	}
	return sent
}

// Ping sends a confirmable empty message and waits for the peer's reset.
func (e *Endpoint) Ping(ctx context.Context, peer transport.PeerAddress) error {
	if err := e.running(); err != nil {
		return err
	}
	ping := &message.Message{
		Type:  message.Confirmable,
		Code:  message.Empty,
		ID:    message.NoID,
		Token: []byte{},
	}
	ex := exchange.New(exchange.OriginLocal, ping, peer)
	if err := e.stack.SendEmptyMessage(ex, ping); err != nil {
		ex.Fail(err)
		return err
	}
	select {
	case <-ex.Done():
	case <-ctx.Done():
		ex.Cancel()
		return ctx.Err()
	}
	if err := ex.Err(); !errors.Is(err, exchange.ErrRejected) {
		return err
	}
	return nil
}

// track registers ex as live until it completes and records its metrics.
// It runs once per exchange.
func (e *Endpoint) track(ex *exchange.Exchange) {
	installed, _ := ex.AttrOrInit(attrTracked, func() any { return new(atomic.Bool) }).(*atomic.Bool)
	if installed == nil || !installed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		ex.Cancel()
		return
	}
	e.live[ex] = struct{}{}
	e.mu.Unlock()

	e.metrics.ExchangeStarted()
	ex.OnComplete(func(ex *exchange.Exchange) {
		e.mu.Lock()
		delete(e.live, ex)
		e.mu.Unlock()
		e.metrics.ExchangeCompleted(strings.ToLower(ex.Origin().String()), result(ex.Err()))
	})
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, exchange.ErrTimedOut):
		return "timeout"
	case errors.Is(err, exchange.ErrRejected):
		return "rejected"
	case errors.Is(err, exchange.ErrCanceled):
		return "canceled"
	}
	return "failed"
}
