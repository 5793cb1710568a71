package stack

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/pion/logging"
)

// Default observe parameters.
const (
	DefaultCheckIntervalCount    = 100
	DefaultCheckIntervalTime     = 24 * time.Hour
	DefaultReregistrationBackoff = 2 * time.Second
)

// ObserveConfig configures the observe layer.
type ObserveConfig struct {
	// CheckIntervalCount makes every Nth notification confirmable.
	// Default: DefaultCheckIntervalCount
	CheckIntervalCount int

	// CheckIntervalTime makes a notification confirmable when this much
	// time passed since the last confirmable one.
	// Default: DefaultCheckIntervalTime
	CheckIntervalTime time.Duration

	// ReregistrationBackoff is added to Max-Age before a client refreshes
	// its registration.
	// Default: DefaultReregistrationBackoff
	ReregistrationBackoff time.Duration

	// Registry indexes the relations of this endpoint. Defaults to a new
	// registry.
	Registry *exchange.ObserveRegistry

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Metrics receives relation and notification counters. May be nil.
	Metrics *metrics.Metrics
}

// Observe maintains server relations and client registrations (RFC 7641).
type Observe struct {
	checkCount    int
	checkInterval time.Duration
	reregBackoff  time.Duration
	registry      *exchange.ObserveRegistry
	log           logging.LeveledLogger
	metrics       *metrics.Metrics
}

var _ Layer = (*Observe)(nil)

// NewObserve creates the observe layer.
func NewObserve(config ObserveConfig) *Observe {
	if config.CheckIntervalCount <= 0 {
		config.CheckIntervalCount = DefaultCheckIntervalCount
	}
	if config.CheckIntervalTime <= 0 {
		config.CheckIntervalTime = DefaultCheckIntervalTime
	}
	if config.ReregistrationBackoff <= 0 {
		config.ReregistrationBackoff = DefaultReregistrationBackoff
	}
	if config.Registry == nil {
		config.Registry = exchange.NewObserveRegistry()
	}
	o := &Observe{
		checkCount:    config.CheckIntervalCount,
		checkInterval: config.CheckIntervalTime,
		reregBackoff:  config.ReregistrationBackoff,
		registry:      config.Registry,
		metrics:       config.Metrics,
	}
	if config.LoggerFactory != nil {
		o.log = config.LoggerFactory.NewLogger("coap-observe")
	}
	return o
}

// Registry returns the relations of this endpoint.
func (o *Observe) Registry() *exchange.ObserveRegistry {
	return o.registry
}

// SendRequest forwards req.
func (o *Observe) SendRequest(next Next, ex *exchange.Exchange, req *message.Message) error {
	return next.SendRequest(ex, req)
}

// SendResponse turns responses of observed exchanges into notifications.
// At most one confirmable notification is in transit per relation; newer
// ones replace the queued one.
func (o *Observe) SendResponse(next Next, ex *exchange.Exchange, resp *message.Message) error {
	rel := ex.Relation()
	if rel == nil || rel.IsCanceled() {
		resp.RemoveObserve()
		return next.SendResponse(ex, resp)
	}

	if !resp.Code.IsSuccess() {
		resp.RemoveObserve()
		if !rel.Established() {
			rel.Detach()
			return next.SendResponse(ex, resp)
		}
		// Final notification of an established relation.
		resp.Type = message.Confirmable
		if !rel.OfferLast(resp) {
			return nil
		}
		o.metrics.NotificationSent(resp.Type)
		return next.SendResponse(ex, resp)
	}

	if !rel.Established() {
		rel.SetEstablished()
		o.install(next, ex, rel)
		if ex.CurrentRequest().Type == message.Confirmable && !ex.RequestAcknowledged() {
			// Piggybacked on the registration's acknowledgement.
			resp.SetObserve(rel.NextSequence())
			o.metrics.NotificationSent(message.Acknowledgement)
			return next.SendResponse(ex, resp)
		}
	}

	if resp.Type == message.Unspecified {
		resp.Type = message.NonConfirmable
		if rel.Check() {
			resp.Type = message.Confirmable
		}
	}
	resp.ID = message.NoID
	resp.SetObserve(rel.NextSequence())
	if !rel.Offer(resp) {
		if o.log != nil {
			o.log.Tracef("notification for %s queued behind one in transit", ex.Peer())
		}
		return nil
	}
	o.metrics.NotificationSent(resp.Type)
	return next.SendResponse(ex, resp)
}

// install hooks the relation into the reliability of its notifications.
func (o *Observe) install(next Next, ex *exchange.Exchange, rel *exchange.ObserveRelation) {
	ex.SetHooks(&exchange.TransmissionHooks{
		Acknowledged: func() {
			n, cancel := rel.Acknowledged()
			if cancel {
				rel.Cancel()
				return
			}
			if n != nil {
				o.metrics.NotificationSent(n.Type)
				next.SendResponse(ex, n)
			}
		},
		Retransmitting: func() bool {
			n := rel.TakeReplacement()
			if n == nil {
				return false
			}
			next.SendResponse(ex, n)
			return true
		},
		TimedOut: func() {
			if o.log != nil {
				o.log.Infof("observer %s unreachable, canceling its relations", ex.Peer())
			}
			o.registry.CancelAll(ex.Peer())
		},
	})
}

// SendEmptyMessage forwards msg.
func (o *Observe) SendEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) error {
	return next.SendEmptyMessage(ex, msg)
}

// ReceiveRequest establishes a relation for GET and FETCH requests with
// Observe 0 and cancels it for Observe 1.
func (o *Observe) ReceiveRequest(next Next, ex *exchange.Exchange, req *message.Message) {
	if v, ok := req.Observe(); ok && (req.Code == message.GET || req.Code == message.FETCH) {
		switch v {
		case 0:
			if ex.Relation() == nil {
				o.establish(ex)
			}
		case 1:
			if rel := o.registry.Get(ex.Peer(), req.Token); rel != nil {
				if o.log != nil {
					o.log.Debugf("%s deregistered %x", ex.Peer(), req.Token)
				}
				rel.Cancel()
			}
		}
	}
	next.ReceiveRequest(ex, req)
}

func (o *Observe) establish(ex *exchange.Exchange) {
	rel := exchange.NewObserveRelation(exchange.ObserveRelationConfig{
		Exchange:           ex,
		CheckIntervalCount: o.checkCount,
		CheckIntervalTime:  o.checkInterval,
		Registry:           o.registry,
	})
	ex.SetRelation(rel)
	o.registry.Add(rel)
	o.metrics.RelationEstablished()
	ex.OnComplete(func(*exchange.Exchange) {
		rel.Detach()
		o.metrics.RelationEnded()
	})
	if o.log != nil {
		o.log.Debugf("%s observes %s", ex.Peer(), ex.Request().URIPath())
	}
}

// ReceiveResponse drops stale notifications and schedules re-registration
// before the notified representation expires.
func (o *Observe) ReceiveResponse(next Next, ex *exchange.Exchange, resp *message.Message) {
	if ex.IsCanceled() {
		if resp.Type == message.NonConfirmable {
			o.metrics.ResetSent("canceled")
			next.SendEmptyMessage(ex, message.NewReset(resp))
		}
		return
	}

	if isNotification(ex.Request(), resp) {
		seq, _ := resp.Observe()
		orderer := ex.AttrOrInit(attrOrderer, func() any {
			return &exchange.NotificationOrderer{}
		}).(*exchange.NotificationOrderer)
		if !orderer.IsNew(seq, time.Now()) {
			if o.log != nil {
				o.log.Debugf("dropping stale notification %d from %s", seq, ex.Peer())
			}
			return
		}
		o.scheduleReregistration(next, ex, resp)
	}
	next.ReceiveResponse(ex, resp)
}

// ReceiveEmptyMessage cancels the relation a notification was rejected
// for.
func (o *Observe) ReceiveEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) {
	if msg.Type == message.Reset && ex.Origin() == exchange.OriginRemote {
		if rel := ex.Relation(); rel != nil {
			if o.log != nil {
				o.log.Debugf("%s rejected notification, canceling relation", ex.Peer())
			}
			rel.Cancel()
		}
	}
	next.ReceiveEmptyMessage(ex, msg)
}

const (
	attrOrderer exchange.AttrKey = "observe-orderer"
	attrRereg   exchange.AttrKey = "observe-reregistration"
)

type reregistration struct {
	mu       sync.Mutex
	timer    *time.Timer
	watching bool
	stopped  bool
}

func (r *reregistration) stop(*exchange.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (o *Observe) scheduleReregistration(next Next, ex *exchange.Exchange, resp *message.Message) {
	delay := time.Duration(resp.MaxAge())*time.Second + o.reregBackoff
	rr := ex.AttrOrInit(attrRereg, func() any { return &reregistration{} }).(*reregistration)

	rr.mu.Lock()
	if rr.stopped {
		rr.mu.Unlock()
		return
	}
	if rr.timer != nil {
		rr.timer.Stop()
	}
	rr.timer = time.AfterFunc(delay, func() { o.reregister(next, ex) })
	install := !rr.watching
	rr.watching = true
	rr.mu.Unlock()

	if install {
		ex.OnComplete(rr.stop)
	}
}

// reregister refreshes the registration with a copy of the original
// request under the same token.
func (o *Observe) reregister(next Next, ex *exchange.Exchange) {
	if ex.IsComplete() || ex.IsCanceled() {
		return
	}
	req := ex.Request().Clone()
	req.ID = message.NoID
	req.Token = tokenOf(ex)
	req.SetObserve(0)
	if o.log != nil {
		o.log.Debugf("re-registering %s at %s", req.URIPath(), ex.Peer())
	}
	if err := next.SendRequest(ex, req); err != nil && o.log != nil {
		o.log.Warnf("re-registration at %s failed: %v", ex.Peer(), err)
	}
}
