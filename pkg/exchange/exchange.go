package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// AttrKey names an entry in an exchange's attribute map. Layers use private
// keys to attach continuation state without the Exchange knowing its type.
type AttrKey string

// Exchange is the state of one logical request/response cycle. It may span
// many datagrams through retransmission, blockwise transfer or observe
// notifications.
//
// All methods are safe for concurrent use.
type Exchange struct {
	origin    Origin
	peer      transport.PeerAddress
	createdAt time.Time

	mu              sync.Mutex
	request         *message.Message
	currentRequest  *message.Message
	response        *message.Message
	currentResponse *message.Message

	requestBlock  *BlockwiseStatus
	responseBlock *BlockwiseStatus
	relation      *ObserveRelation
	block1ToAck   *message.Block

	requestAcked     bool
	requestRejected  bool
	responseAcked    bool
	responseRejected bool

	canceled  bool
	complete  bool
	err       error
	done      chan struct{}
	listeners []func(*Exchange)
	attrs     map[AttrKey]any
}

// New creates an exchange for req with the given origin and peer.
func New(origin Origin, req *message.Message, peer transport.PeerAddress) *Exchange {
	return &Exchange{
		origin:         origin,
		peer:           peer,
		createdAt:      time.Now(),
		request:        req,
		currentRequest: req,
		done:           make(chan struct{}),
		attrs:          make(map[AttrKey]any),
	}
}

// Origin returns who created the exchange.
func (e *Exchange) Origin() Origin {
	return e.origin
}

// Peer returns the remote address.
func (e *Exchange) Peer() transport.PeerAddress {
	return e.peer
}

// CreatedAt returns when the exchange was created.
func (e *Exchange) CreatedAt() time.Time {
	return e.createdAt
}

// Request returns the original request.
func (e *Exchange) Request() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// SetRequest replaces the original request.
func (e *Exchange) SetRequest(req *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.request = req
}

// CurrentRequest returns the request datagram currently on the wire.
func (e *Exchange) CurrentRequest() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentRequest
}

// SetCurrentRequest sets the request on the wire and clears its
// acknowledgement state when the message changes.
func (e *Exchange) SetCurrentRequest(req *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentRequest != req {
		e.requestAcked = false
		e.requestRejected = false
	}
	e.currentRequest = req
}

// Response returns the complete response.
func (e *Exchange) Response() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// SetResponse sets the complete response.
func (e *Exchange) SetResponse(resp *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = resp
}

// CurrentResponse returns the response datagram currently on the wire.
func (e *Exchange) CurrentResponse() *message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentResponse
}

// SetCurrentResponse sets the response on the wire and clears its
// acknowledgement state when the message changes.
func (e *Exchange) SetCurrentResponse(resp *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentResponse != resp {
		e.responseAcked = false
		e.responseRejected = false
	}
	e.currentResponse = resp
}

// RequestBlockStatus returns the Block1 transfer state, if any.
func (e *Exchange) RequestBlockStatus() *BlockwiseStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestBlock
}

// SetRequestBlockStatus sets or clears the Block1 transfer state.
func (e *Exchange) SetRequestBlockStatus(s *BlockwiseStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestBlock = s
}

// ResponseBlockStatus returns the Block2 transfer state, if any.
func (e *Exchange) ResponseBlockStatus() *BlockwiseStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseBlock
}

// SetResponseBlockStatus sets or clears the Block2 transfer state.
func (e *Exchange) SetResponseBlockStatus(s *BlockwiseStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responseBlock = s
}

// Relation returns the observe relation served by this exchange.
func (e *Exchange) Relation() *ObserveRelation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relation
}

// SetRelation attaches or detaches an observe relation.
func (e *Exchange) SetRelation(r *ObserveRelation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relation = r
}

// SetBlock1ToAck records the request block the response must echo.
func (e *Exchange) SetBlock1ToAck(b message.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block1ToAck = &b
}

// TakeBlock1ToAck returns and clears the block to echo.
func (e *Exchange) TakeBlock1ToAck() (message.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.block1ToAck == nil {
		return message.Block{}, false
	}
	b := *e.block1ToAck
	e.block1ToAck = nil
	return b, true
}

// MarkRequestAcknowledged marks the current request acknowledged. It returns
// false if it already was.
func (e *Exchange) MarkRequestAcknowledged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requestAcked {
		return false
	}
	e.requestAcked = true
	return true
}

// RequestAcknowledged reports whether the current request was acknowledged.
func (e *Exchange) RequestAcknowledged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestAcked
}

// SetRequestRejected marks the current request rejected.
func (e *Exchange) SetRequestRejected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestRejected = true
}

// RequestRejected reports whether the current request was rejected.
func (e *Exchange) RequestRejected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestRejected
}

// SetResponseAcknowledged marks the current response acknowledged.
func (e *Exchange) SetResponseAcknowledged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responseAcked = true
}

// ResponseAcknowledged reports whether the current response was acknowledged.
func (e *Exchange) ResponseAcknowledged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseAcked
}

// SetResponseRejected marks the current response rejected.
func (e *Exchange) SetResponseRejected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responseRejected = true
}

// ResponseRejected reports whether the current response was rejected.
func (e *Exchange) ResponseRejected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseRejected
}

// Cancel stops the exchange. Timers stop, no further message is delivered
// to the application and in-flight datagrams are absorbed.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	e.canceled = true
	e.mu.Unlock()
	e.finish(ErrCanceled)
}

// IsCanceled reports whether Cancel was called.
func (e *Exchange) IsCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

// Fail completes the exchange with reason err. It returns false if the
// exchange was already complete.
func (e *Exchange) Fail(err error) bool {
	return e.finish(err)
}

// SetComplete completes the exchange normally. It returns false if the
// exchange was already complete.
func (e *Exchange) SetComplete() bool {
	return e.finish(nil)
}

// IsComplete reports whether the exchange has completed.
func (e *Exchange) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete
}

// Done returns a channel closed when the exchange completes.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Err returns the failure reason after completion, nil for a normal
// completion or while the exchange is still active.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// OnComplete registers fn to run once when the exchange completes. If it
// already has, fn runs immediately.
func (e *Exchange) OnComplete(fn func(*Exchange)) {
	e.mu.Lock()
	if e.complete {
		e.mu.Unlock()
		fn(e)
		return
	}
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Exchange) finish(err error) bool {
	e.mu.Lock()
	if e.complete {
		e.mu.Unlock()
		return false
	}
	e.complete = true
	e.err = err
	listeners := e.listeners
	e.listeners = nil
	close(e.done)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return true
}

// Attr returns the attribute stored under key.
func (e *Exchange) Attr(key AttrKey) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attrs[key]
}

// SetAttr stores v under key.
func (e *Exchange) SetAttr(key AttrKey, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs[key] = v
}

// RemoveAttr deletes key and returns the previous value.
func (e *Exchange) RemoveAttr(key AttrKey) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.attrs[key]
	delete(e.attrs, key)
	return v
}

// AttrOrInit returns the attribute under key, storing init() first if absent.
func (e *Exchange) AttrOrInit(key AttrKey, init func() any) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.attrs[key]; ok {
		return v
	}
	v := init()
	e.attrs[key] = v
	return v
}

// String returns a short description for logs.
func (e *Exchange) String() string {
	return e.origin.String() + " exchange with " + e.peer.String()
}
