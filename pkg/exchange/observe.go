package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// ObserveRelationConfig configures a new relation.
type ObserveRelationConfig struct {
	// Exchange is the remote exchange that registered the observer.
	Exchange *Exchange

	// CheckIntervalCount forces every Nth notification to be confirmable.
	CheckIntervalCount int

	// CheckIntervalTime forces a confirmable notification when this much time
	// passed since the last one.
	CheckIntervalTime time.Duration

	// Registry indexes the relation by peer and token. Optional.
	Registry *ObserveRegistry
}

// ObserveRelation is the server side of an observe subscription.
//
// At most one confirmable notification is in transit at a time. A
// notification offered while one is in transit becomes the replacement,
// superseding any earlier replacement.
type ObserveRelation struct {
	exchange      *Exchange
	token         string
	checkCount    int
	checkInterval time.Duration
	registry      *ObserveRegistry

	mu          sync.Mutex
	established bool
	canceled    bool
	seq         uint32
	counter     int
	lastCheck   time.Time
	inTransit   *message.Message
	next        *message.Message
	cancelAfter bool
}

// NewObserveRelation creates a relation for the exchange's request.
func NewObserveRelation(config ObserveRelationConfig) *ObserveRelation {
	var token string
	if req := config.Exchange.Request(); req != nil {
		token = string(req.Token)
	}
	if config.CheckIntervalCount < 1 {
		config.CheckIntervalCount = 1
	}
	return &ObserveRelation{
		exchange:      config.Exchange,
		token:         token,
		checkCount:    config.CheckIntervalCount,
		checkInterval: config.CheckIntervalTime,
		registry:      config.Registry,
		lastCheck:     time.Now(),
	}
}

// Exchange returns the exchange serving the relation.
func (r *ObserveRelation) Exchange() *Exchange {
	return r.exchange
}

// Peer returns the observer's address.
func (r *ObserveRelation) Peer() transport.PeerAddress {
	return r.exchange.Peer()
}

// Token returns the observer's token.
func (r *ObserveRelation) Token() string {
	return r.token
}

// Established reports whether the first notification has been sent.
func (r *ObserveRelation) Established() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.established
}

// SetEstablished marks the relation established.
func (r *ObserveRelation) SetEstablished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established = true
}

// IsCanceled reports whether the relation was canceled or detached.
func (r *ObserveRelation) IsCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// NextSequence returns the next 24-bit Observe sequence number.
func (r *ObserveRelation) NextSequence() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = (r.seq + 1) % ObserveSequenceModulus
	return r.seq
}

// Check reports whether the next notification must be confirmable to
// verify the observer is still interested.
func (r *ObserveRelation) Check() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	due := r.counter >= r.checkCount
	if r.checkInterval > 0 && time.Since(r.lastCheck) >= r.checkInterval {
		due = true
	}
	if due {
		r.counter = 0
		r.lastCheck = time.Now()
	}
	return due
}

// Offer hands a notification to the relation. It returns true when the
// notification may be sent now. Otherwise a confirmable notification is in
// transit and resp becomes the pending replacement.
func (r *ObserveRelation) Offer(resp *message.Message) bool {
	return r.offer(resp, false)
}

// OfferLast is Offer for the final notification of the relation. Once it is
// acknowledged the relation is canceled, and later offers are refused.
func (r *ObserveRelation) OfferLast(resp *message.Message) bool {
	return r.offer(resp, true)
}

func (r *ObserveRelation) offer(resp *message.Message, last bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.canceled || r.cancelAfter {
		return false
	}
	if last {
		r.cancelAfter = true
	}
	if r.inTransit != nil {
		r.next = resp
		return false
	}
	if resp.Type == message.Confirmable {
		r.inTransit = resp
	}
	return true
}

// InTransit returns the confirmable notification awaiting acknowledgement.
func (r *ObserveRelation) InTransit() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inTransit
}

// Acknowledged resolves the notification in transit. It returns the pending
// replacement, which is now in transit if confirmable. Without a replacement
// it reports whether the relation must be canceled because the delivered
// notification was its last.
func (r *ObserveRelation) Acknowledged() (next *message.Message, cancel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inTransit = nil
	if r.next != nil {
		next = r.next
		r.next = nil
		if next.Type == message.Confirmable {
			r.inTransit = next
		}
		return next, false
	}
	return nil, r.cancelAfter
}

// TakeReplacement swaps the pending replacement in for the notification in
// transit. The replacement becomes confirmable and reuses the message ID of
// the one it supersedes. It returns nil when there is no replacement.
func (r *ObserveRelation) TakeReplacement() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next == nil || r.inTransit == nil {
		return nil
	}
	next := r.next
	next.Type = message.Confirmable
	next.ID = r.inTransit.ID
	r.inTransit = next
	r.next = nil
	return next
}

// Detach stops the relation without completing the exchange. Used when the
// response to the registration is not a notification.
func (r *ObserveRelation) Detach() bool {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return false
	}
	r.canceled = true
	r.inTransit = nil
	r.next = nil
	r.mu.Unlock()

	if r.registry != nil {
		r.registry.remove(r)
	}
	r.exchange.SetHooks(nil)
	return true
}

// Cancel stops the relation and completes its exchange.
func (r *ObserveRelation) Cancel() {
	if r.Detach() {
		r.exchange.SetComplete()
	}
}

// ObserveRegistry indexes relations by observer address and token.
type ObserveRegistry struct {
	mu        sync.Mutex
	relations map[string]map[string]*ObserveRelation
}

// NewObserveRegistry creates an empty registry.
func NewObserveRegistry() *ObserveRegistry {
	return &ObserveRegistry{
		relations: make(map[string]map[string]*ObserveRelation),
	}
}

// Add registers r, canceling any relation it replaces.
func (g *ObserveRegistry) Add(r *ObserveRelation) {
	peer := r.Peer().String()

	g.mu.Lock()
	byToken, ok := g.relations[peer]
	if !ok {
		byToken = make(map[string]*ObserveRelation)
		g.relations[peer] = byToken
	}
	old := byToken[r.token]
	byToken[r.token] = r
	g.mu.Unlock()

	if old != nil && old != r {
		old.Cancel()
	}
}

// Get returns the relation for peer and token.
func (g *ObserveRegistry) Get(peer transport.PeerAddress, token []byte) *ObserveRelation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relations[peer.String()][string(token)]
}

// CancelAll cancels every relation of peer.
func (g *ObserveRegistry) CancelAll(peer transport.PeerAddress) {
	g.mu.Lock()
	byToken := g.relations[peer.String()]
	delete(g.relations, peer.String())
	g.mu.Unlock()

	for _, r := range byToken {
		r.Cancel()
	}
}

// Relations returns a snapshot of the registered relations.
func (g *ObserveRegistry) Relations() []*ObserveRelation {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*ObserveRelation
	for _, byToken := range g.relations {
		for _, r := range byToken {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of registered relations.
func (g *ObserveRegistry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, byToken := range g.relations {
		n += len(byToken)
	}
	return n
}

func (g *ObserveRegistry) remove(r *ObserveRelation) {
	peer := r.Peer().String()

	g.mu.Lock()
	defer g.mu.Unlock()
	byToken := g.relations[peer]
	if byToken[r.token] == r {
		delete(byToken, r.token)
		if len(byToken) == 0 {
			delete(g.relations, peer)
		}
	}
}

// NotificationOrderer filters stale notifications on the client side using
// the freshness rule of RFC 7641 Section 3.4.
type NotificationOrderer struct {
	mu        sync.Mutex
	seen      bool
	number    uint32
	timestamp time.Time
}

// IsNew reports whether a notification with sequence seq received at now is
// newer than every notification accepted so far, and records it if so.
func (o *NotificationOrderer) IsNew(seq uint32, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.seen || isFresher(o.number, seq, o.timestamp, now) {
		o.seen = true
		o.number = seq
		o.timestamp = now
		return true
	}
	return false
}

func isFresher(v1, v2 uint32, t1, t2 time.Time) bool {
	switch {
	case v1 < v2 && v2-v1 < ObserveFreshnessWindow:
		return true
	case v1 > v2 && v1-v2 > ObserveFreshnessWindow:
		return true
	default:
		return t2.After(t1.Add(ObserveStaleAfter))
	}
}
