package stack

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/pion/logging"
)

// Default transmission parameters (RFC 7252 Section 4.8).
const (
	DefaultAckTimeout      = 2 * time.Second
	DefaultAckRandomFactor = 1.5
	DefaultAckTimeoutScale = 2.0
	DefaultMaxRetransmit   = 4
)

// ReliabilityConfig configures the reliability layer.
type ReliabilityConfig struct {
	// AckTimeout is the initial retransmission timeout.
	// Default: DefaultAckTimeout
	AckTimeout time.Duration

	// AckRandomFactor randomizes the initial timeout.
	// Default: DefaultAckRandomFactor
	AckRandomFactor float64

	// AckTimeoutScale multiplies the timeout after each retransmission.
	// Default: DefaultAckTimeoutScale
	AckTimeoutScale float64

	// MaxRetransmit bounds the retransmissions of a confirmable message.
	// Zero means DefaultMaxRetransmit, negative disables retransmission.
	MaxRetransmit int

	// Random is the jitter source. Defaults to DefaultRandomSource.
	Random RandomSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Metrics receives protocol counters. May be nil.
	Metrics *metrics.Metrics
}

// Reliability chooses message types, retransmits confirmable messages with
// exponential backoff and answers duplicates.
type Reliability struct {
	backoff       *Backoff
	maxRetransmit int
	log           logging.LeveledLogger
	metrics       *metrics.Metrics
}

var _ Layer = (*Reliability)(nil)

// NewReliability creates the reliability layer.
func NewReliability(config ReliabilityConfig) *Reliability {
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.AckRandomFactor == 0 {
		config.AckRandomFactor = DefaultAckRandomFactor
	}
	if config.AckTimeoutScale == 0 {
		config.AckTimeoutScale = DefaultAckTimeoutScale
	}
	switch {
	case config.MaxRetransmit == 0:
		config.MaxRetransmit = DefaultMaxRetransmit
	case config.MaxRetransmit < 0:
		config.MaxRetransmit = 0
	}

	r := &Reliability{
		backoff:       NewBackoff(config.AckTimeout, config.AckRandomFactor, config.AckTimeoutScale, config.Random),
		maxRetransmit: config.MaxRetransmit,
		metrics:       config.Metrics,
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("coap-reliability")
	}
	return r
}

// transmission is the retransmission state of the confirmable message an
// exchange currently has on the wire.
type transmission struct {
	send func(*message.Message) error

	mu      sync.Mutex
	msg     *message.Message
	timeout time.Duration
	failed  int
	timer   *time.Timer
	done    bool
}

func (t *transmission) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

const (
	attrTransmission exchange.AttrKey = "reliability-transmission"
	attrWatched      exchange.AttrKey = "reliability-watched"
)

// SendRequest makes unspecified requests confirmable and tracks confirmable
// ones for retransmission.
func (r *Reliability) SendRequest(next Next, ex *exchange.Exchange, req *message.Message) error {
	if req.Type == message.Unspecified {
		req.Type = message.Confirmable
	}
	ex.SetCurrentRequest(req)
	if req.Type != message.Confirmable {
		r.stopTransmission(ex)
		return next.SendRequest(ex, req)
	}
	return r.transmit(ex, req, func(m *message.Message) error {
		return next.SendRequest(ex, m)
	})
}

// SendResponse piggybacks the response on the acknowledgement when the
// request is confirmable and still unacknowledged. Otherwise the response
// is separate, with the type of the request.
func (r *Reliability) SendResponse(next Next, ex *exchange.Exchange, resp *message.Message) error {
	req := ex.CurrentRequest()
	if resp.Type == message.Unspecified {
		switch {
		case req != nil && req.Type == message.Confirmable && ex.MarkRequestAcknowledged():
			resp.Type = message.Acknowledgement
		case req != nil && req.Type == message.NonConfirmable:
			resp.Type = message.NonConfirmable
		default:
			resp.Type = message.Confirmable
		}
	}
	if resp.Type == message.Acknowledgement && !resp.HasID() && req != nil {
		resp.ID = req.ID
	}
	ex.SetCurrentResponse(resp)

	if resp.Type != message.Confirmable {
		r.stopTransmission(ex)
		return next.SendResponse(ex, resp)
	}
	return r.transmit(ex, resp, func(m *message.Message) error {
		return next.SendResponse(ex, m)
	})
}

// SendEmptyMessage retransmits confirmable pings bound to an exchange.
func (r *Reliability) SendEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) error {
	if msg.Type != message.Confirmable || ex == nil {
		return next.SendEmptyMessage(ex, msg)
	}
	return r.transmit(ex, msg, func(m *message.Message) error {
		return next.SendEmptyMessage(ex, m)
	})
}

// ReceiveRequest answers retransmitted requests from the exchange state
// instead of delivering them again.
func (r *Reliability) ReceiveRequest(next Next, ex *exchange.Exchange, req *message.Message) {
	if !req.Duplicate {
		next.ReceiveRequest(ex, req)
		return
	}
	r.metrics.Duplicate()

	resp := ex.CurrentResponse()
	var err error
	switch {
	case resp != nil && resp.Type != message.Confirmable:
		if r.log != nil {
			r.log.Debugf("duplicate %s, resending %s", req, resp)
		}
		err = next.SendResponse(ex, resp)
	case resp != nil, ex.RequestAcknowledged():
		// Separate response pending or in transit.
		if req.Type == message.Confirmable {
			err = next.SendEmptyMessage(ex, message.NewAck(req))
		}
	case ex.RequestRejected():
		r.metrics.ResetSent("duplicate")
		err = next.SendEmptyMessage(ex, message.NewReset(req))
	default:
		if r.log != nil {
			r.log.Debugf("duplicate %s still being processed", req)
		}
	}
	if err != nil && r.log != nil {
		r.log.Debugf("reply to duplicate %s failed: %v", req, err)
	}
}

// ReceiveResponse ends the request's retransmission and acknowledges
// confirmable responses.
func (r *Reliability) ReceiveResponse(next Next, ex *exchange.Exchange, resp *message.Message) {
	r.stopTransmission(ex)
	if resp.Type == message.Acknowledgement {
		ex.MarkRequestAcknowledged()
	}
	if resp.Type == message.Confirmable {
		if ex.IsCanceled() {
			r.metrics.ResetSent("canceled")
			next.SendEmptyMessage(ex, message.NewReset(resp))
		} else {
			next.SendEmptyMessage(ex, message.NewAck(resp))
		}
	}
	if resp.Duplicate {
		r.metrics.Duplicate()
		if r.log != nil {
			r.log.Debugf("dropping duplicate response %s", resp)
		}
		return
	}
	next.ReceiveResponse(ex, resp)
}

// ReceiveEmptyMessage resolves the transmission an ACK or RST refers to.
func (r *Reliability) ReceiveEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) {
	if t, ok := ex.Attr(attrTransmission).(*transmission); ok {
		t.mu.Lock()
		matches := !t.done && t.msg.ID == msg.ID
		sent := t.msg
		t.mu.Unlock()

		if matches {
			t.finish()
			r.resolve(ex, sent, msg.Type)
		}
	}
	next.ReceiveEmptyMessage(ex, msg)
}

func (r *Reliability) resolve(ex *exchange.Exchange, sent *message.Message, typ message.Type) {
	switch {
	case typ == message.Acknowledgement && sent.IsRequest():
		ex.MarkRequestAcknowledged()
	case typ == message.Acknowledgement:
		ex.SetResponseAcknowledged()
	case sent.IsRequest():
		ex.SetRequestRejected()
	default:
		ex.SetResponseRejected()
	}
	if typ != message.Acknowledgement {
		return
	}
	if h := ex.Hooks(); h != nil && h.Acknowledged != nil {
		h.Acknowledged()
	}
}

// transmit sends msg and arms its retransmission timer. A message reusing
// the ID of the transmission it replaces inherits its retry count.
func (r *Reliability) transmit(ex *exchange.Exchange, msg *message.Message, send func(*message.Message) error) error {
	r.watch(ex)

	t := &transmission{send: send, msg: msg, timeout: r.backoff.Initial()}
	if prev, ok := ex.Attr(attrTransmission).(*transmission); ok {
		prev.mu.Lock()
		if msg.HasID() && prev.msg.ID == msg.ID {
			t.failed = prev.failed
			t.timeout = r.backoff.Next(prev.timeout)
		}
		prev.mu.Unlock()
		prev.finish()
	}
	ex.SetAttr(attrTransmission, t)

	if err := send(msg); err != nil {
		t.finish()
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.timer = time.AfterFunc(t.timeout, func() { r.retransmit(ex, t) })
	}
	return nil
}

func (r *Reliability) retransmit(ex *exchange.Exchange, t *transmission) {
	t.mu.Lock()
	if t.done || ex.IsComplete() || ex.IsCanceled() {
		t.mu.Unlock()
		return
	}
	t.failed++
	if t.failed > r.maxRetransmit {
		t.done = true
		t.timer = nil
		msg := t.msg
		t.mu.Unlock()

		if r.log != nil {
			r.log.Infof("%s timed out after %d retransmissions", msg, r.maxRetransmit)
		}
		r.metrics.Timeout()
		hooks := ex.Hooks()
		ex.Fail(exchange.ErrTimedOut)
		if hooks != nil && hooks.TimedOut != nil {
			hooks.TimedOut()
		}
		return
	}
	msg := t.msg
	attempt := t.failed
	t.mu.Unlock()

	if h := ex.Hooks(); h != nil && h.Retransmitting != nil && h.Retransmitting() {
		return
	}

	if r.log != nil {
		r.log.Debugf("retransmitting %s (attempt %d)", msg, attempt)
	}
	r.metrics.Retransmission()
	if err := t.send(msg); err != nil && r.log != nil {
		r.log.Warnf("retransmission of %s failed: %v", msg, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.timeout = r.backoff.Next(t.timeout)
		t.timer = time.AfterFunc(t.timeout, func() { r.retransmit(ex, t) })
	}
}

func (r *Reliability) stopTransmission(ex *exchange.Exchange) {
	if t, ok := ex.Attr(attrTransmission).(*transmission); ok {
		t.finish()
	}
}

// watch stops retransmission once the exchange completes. The listener is
// installed once per exchange.
func (r *Reliability) watch(ex *exchange.Exchange) {
	w := ex.AttrOrInit(attrWatched, func() any { return new(atomic.Bool) }).(*atomic.Bool)
	if w.CompareAndSwap(false, true) {
		ex.OnComplete(r.stopTransmission)
	}
}
