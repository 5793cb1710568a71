package endpoint

import (
	"time"

	"github.com/backkem/coap/pkg/config"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestPair provides two connected endpoints for E2E testing. Datagrams from
// one endpoint reach the other through an in-memory pipe:
// Endpoint -> UDP transport -> pipe -> UDP transport -> Endpoint -> Handler
//
// Usage:
//
//	pair, _ := endpoint.NewTestPair(endpoint.TestPairConfig{Handlers: [2]endpoint.Handler{nil, mux}})
//	defer pair.Close()
//
//	resp, err := pair.Endpoint(0).Do(ctx, req, pair.PeerAddress(1))
type TestPair struct {
	factories [2]*transport.PipeFactory
	endpoints [2]*Endpoint
	metrics   [2]*metrics.Metrics
}

// TestPairConfig configures the test pair.
type TestPairConfig struct {
	// Settings apply to both endpoints. Default: TestSettings()
	Settings config.Config

	// Handlers serve requests at each endpoint.
	Handlers [2]Handler

	// LoggerFactory is shared by both endpoints. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TestSettings returns settings with short timers suitable for tests.
func TestSettings() config.Config {
	s := config.Default()
	s.AckTimeout = 20 * time.Millisecond
	s.AckRandomFactor = 1
	s.MaxRetransmit = 3
	s.ExchangeLifetime = 2 * time.Second
	s.MarkAndSweepInterval = 100 * time.Millisecond
	s.NotificationReregistrationBackoff = time.Minute
	return s
}

// NewTestPair creates and starts two endpoints connected via a pipe. Each
// endpoint records metrics in its own registry.
func NewTestPair(cfg TestPairConfig) (*TestPair, error) {
	if cfg.Settings == (config.Config{}) {
		cfg.Settings = TestSettings()
	}

	pair := &TestPair{}
	pair.factories[0], pair.factories[1] = transport.NewPipeFactoryPair()

	for i := 0; i < 2; i++ {
		conn, err := pair.factories[i].CreateUDPConn(transport.DefaultPort)
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.metrics[i] = metrics.New(metrics.DefaultNamespace, prometheus.NewRegistry())
		ep, err := New(Config{
			Conn:          conn,
			Settings:      cfg.Settings,
			Handler:       cfg.Handlers[i],
			LoggerFactory: cfg.LoggerFactory,
			Metrics:       pair.metrics[i],
		})
		if err != nil {
			pair.Close()
			return nil, err
		}
		if err := ep.Start(); err != nil {
			pair.Close()
			return nil, err
		}
		pair.endpoints[i] = ep
	}
	return pair, nil
}

// Endpoint returns the endpoint at the given index (0 or 1).
func (p *TestPair) Endpoint(idx int) *Endpoint {
	return p.endpoints[idx]
}

// Metrics returns the metrics of the endpoint at idx.
func (p *TestPair) Metrics(idx int) *metrics.Metrics {
	return p.metrics[idx]
}

// PeerAddress returns the address for sending to the endpoint at idx.
// Use PeerAddress(1) when sending FROM endpoint 0 TO endpoint 1.
func (p *TestPair) PeerAddress(idx int) transport.PeerAddress {
	return transport.NewUDPPeerAddress(p.factories[1-idx].PeerAddr())
}

// SetCondition configures network simulation on the pipe.
func (p *TestPair) SetCondition(cond transport.NetworkCondition) {
	p.factories[0].SetCondition(cond)
}

// Close stops both endpoints and the pipe.
func (p *TestPair) Close() {
	for _, ep := range p.endpoints {
		if ep != nil {
			ep.Stop()
		}
	}
	if p.factories[0] != nil {
		p.factories[0].Pipe().Close()
	}
}
