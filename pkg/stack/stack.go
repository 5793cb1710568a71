// Package stack implements the protocol layers between the application and
// the matcher: observe, blockwise transfer and reliability.
//
// Outbound messages travel from the first layer to the last and then to the
// Outbox. Inbound messages travel from the last layer to the first and then
// to the Deliverer. Each layer decides per message whether to forward it,
// answer it itself or absorb it.
//
//	application
//	    |   ^
//	Observe       (RFC 7641)
//	Blockwise     (RFC 7959)
//	Reliability   (RFC 7252 Section 4)
//	    v   |
//	matcher, codec, transport
package stack

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// Layer is one stage of the stack. Every method receives the Next handle
// used to continue processing in the same direction.
type Layer interface {
	SendRequest(next Next, ex *exchange.Exchange, req *message.Message) error
	SendResponse(next Next, ex *exchange.Exchange, resp *message.Message) error
	SendEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) error

	ReceiveRequest(next Next, ex *exchange.Exchange, req *message.Message)
	ReceiveResponse(next Next, ex *exchange.Exchange, resp *message.Message)
	ReceiveEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message)
}

// Outbox takes messages leaving the bottom of the stack.
type Outbox interface {
	SendRequest(ex *exchange.Exchange, req *message.Message) error
	SendResponse(ex *exchange.Exchange, resp *message.Message) error
	SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) error
}

// Deliverer takes messages leaving the top of the stack.
type Deliverer interface {
	// DeliverRequest hands a complete request to the application.
	DeliverRequest(ex *exchange.Exchange)

	// DeliverResponse hands a complete response, or a notification, to the
	// requester.
	DeliverResponse(ex *exchange.Exchange, resp *message.Message)
}

// Next continues processing at the neighbouring layer. Send methods move
// towards the Outbox, receive methods towards the Deliverer.
type Next struct {
	s  *Stack
	at int
}

// SendRequest passes req to the layer below.
func (n Next) SendRequest(ex *exchange.Exchange, req *message.Message) error {
	i := n.at + 1
	if i >= len(n.s.layers) {
		return n.s.outbox.SendRequest(ex, req)
	}
	return n.s.layers[i].SendRequest(Next{n.s, i}, ex, req)
}

// SendResponse passes resp to the layer below.
func (n Next) SendResponse(ex *exchange.Exchange, resp *message.Message) error {
	i := n.at + 1
	if i >= len(n.s.layers) {
		return n.s.outbox.SendResponse(ex, resp)
	}
	return n.s.layers[i].SendResponse(Next{n.s, i}, ex, resp)
}

// SendEmptyMessage passes msg to the layer below.
func (n Next) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) error {
	i := n.at + 1
	if i >= len(n.s.layers) {
		return n.s.outbox.SendEmptyMessage(ex, msg)
	}
	return n.s.layers[i].SendEmptyMessage(Next{n.s, i}, ex, msg)
}

// ReceiveRequest passes req to the layer above.
func (n Next) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	i := n.at - 1
	if i < 0 {
		n.s.receiveRequest(ex, req)
		return
	}
	n.s.layers[i].ReceiveRequest(Next{n.s, i}, ex, req)
}

// ReceiveResponse passes resp to the layer above.
func (n Next) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	i := n.at - 1
	if i < 0 {
		n.s.receiveResponse(ex, resp)
		return
	}
	n.s.layers[i].ReceiveResponse(Next{n.s, i}, ex, resp)
}

// ReceiveEmptyMessage passes msg to the layer above.
func (n Next) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	i := n.at - 1
	if i < 0 {
		n.s.receiveEmptyMessage(ex, msg)
		return
	}
	n.s.layers[i].ReceiveEmptyMessage(Next{n.s, i}, ex, msg)
}

// Base forwards every message unchanged. Embed it to implement only the
// methods a layer cares about.
type Base struct{}

func (Base) SendRequest(next Next, ex *exchange.Exchange, req *message.Message) error {
	return next.SendRequest(ex, req)
}

func (Base) SendResponse(next Next, ex *exchange.Exchange, resp *message.Message) error {
	return next.SendResponse(ex, resp)
}

func (Base) SendEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) error {
	return next.SendEmptyMessage(ex, msg)
}

func (Base) ReceiveRequest(next Next, ex *exchange.Exchange, req *message.Message) {
	next.ReceiveRequest(ex, req)
}

func (Base) ReceiveResponse(next Next, ex *exchange.Exchange, resp *message.Message) {
	next.ReceiveResponse(ex, resp)
}

func (Base) ReceiveEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) {
	next.ReceiveEmptyMessage(ex, msg)
}

// Stack chains layers between a Deliverer and an Outbox.
type Stack struct {
	layers    []Layer
	outbox    Outbox
	deliverer Deliverer
}

// New creates a stack. layers are ordered from the application down.
func New(outbox Outbox, deliverer Deliverer, layers ...Layer) *Stack {
	return &Stack{
		layers:    layers,
		outbox:    outbox,
		deliverer: deliverer,
	}
}

// Config configures NewDefault.
type Config struct {
	Observe     ObserveConfig
	Blockwise   BlockwiseConfig
	Reliability ReliabilityConfig
}

// NewDefault creates the standard observe, blockwise and reliability stack.
func NewDefault(config Config, outbox Outbox, deliverer Deliverer) *Stack {
	return New(outbox, deliverer,
		NewObserve(config.Observe),
		NewBlockwise(config.Blockwise),
		NewReliability(config.Reliability),
	)
}

// SendRequest starts transmission of the exchange's request.
func (s *Stack) SendRequest(ex *exchange.Exchange, req *message.Message) error {
	if ex.IsComplete() {
		return exchange.ErrExchangeComplete
	}
	return Next{s, -1}.SendRequest(ex, req)
}

// SendResponse sends resp as the response of a remote exchange.
func (s *Stack) SendResponse(ex *exchange.Exchange, resp *message.Message) error {
	if ex.IsComplete() {
		return exchange.ErrExchangeComplete
	}
	ex.SetResponse(resp)
	return Next{s, -1}.SendResponse(ex, resp)
}

// SendEmptyMessage sends an ACK, RST or ping. ex may be nil for messages
// unrelated to an exchange.
func (s *Stack) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) error {
	return Next{s, -1}.SendEmptyMessage(ex, msg)
}

// ReceiveRequest processes an inbound request matched to ex.
func (s *Stack) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	Next{s, len(s.layers)}.ReceiveRequest(ex, req)
}

// ReceiveResponse processes an inbound response matched to ex.
func (s *Stack) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	Next{s, len(s.layers)}.ReceiveResponse(ex, resp)
}

// ReceiveEmptyMessage processes an inbound ACK or RST matched to ex.
func (s *Stack) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	Next{s, len(s.layers)}.ReceiveEmptyMessage(ex, msg)
}

func (s *Stack) receiveRequest(ex *exchange.Exchange, req *message.Message) {
	if ex.IsCanceled() {
		return
	}
	ex.SetRequest(req)
	if s.deliverer != nil {
		s.deliverer.DeliverRequest(ex)
	}
}

func (s *Stack) receiveResponse(ex *exchange.Exchange, resp *message.Message) {
	if ex.IsCanceled() {
		return
	}
	ex.SetResponse(resp)
	if s.deliverer != nil {
		s.deliverer.DeliverResponse(ex, resp)
	}
	if ex.Origin() == exchange.OriginLocal && !isNotification(ex.Request(), resp) {
		ex.SetComplete()
	}
}

func (s *Stack) receiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	if msg.Type == message.Reset {
		ex.Fail(exchange.ErrRejected)
		return
	}
	if ex.Origin() == exchange.OriginRemote && isFinalResponse(ex, ex.CurrentResponse()) {
		ex.SetComplete()
	}
}

// isNotification reports whether resp keeps an observe registration of req
// alive.
func isNotification(req, resp *message.Message) bool {
	if req == nil {
		return false
	}
	if v, ok := req.Observe(); !ok || v != 0 {
		return false
	}
	_, ok := resp.Observe()
	return ok && resp.Code.IsSuccess()
}

// isFinalResponse reports whether no further message follows resp on a
// remote exchange.
func isFinalResponse(ex *exchange.Exchange, resp *message.Message) bool {
	if resp == nil {
		return false
	}
	if rel := ex.Relation(); rel != nil && !rel.IsCanceled() {
		return false
	}
	if b, ok, _ := resp.Block2(); ok && b.More {
		return false
	}
	if resp.Code == message.Continue {
		return false
	}
	if b, ok, _ := resp.Block1(); ok && b.More {
		return false
	}
	return true
}
