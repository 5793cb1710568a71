package endpoint

import (
	"errors"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/stack"
	"github.com/backkem/coap/pkg/transport"
)

// handle is the transport's message handler.
func (e *Endpoint) handle(rm *transport.ReceivedMessage) {
	peer := rm.PeerAddr

	msg, err := message.Decode(rm.Data)
	if err != nil {
		e.metrics.FormatError()
		var fe *message.FormatError
		if errors.As(err, &fe) && fe.HeaderValid && fe.Type == message.Confirmable {
			e.sendReset(int32(fe.ID), peer, resetFormat)
		}
		if e.log != nil {
			e.log.Debugf("dropping datagram from %s: %v", peer, err)
		}
		return
	}
	e.metrics.MessageReceived(msg.Type)

	switch {
	case msg.IsRequest():
		e.receiveRequest(msg, peer)
	case msg.IsResponse():
		e.receiveResponse(msg, peer)
	default:
		e.receiveEmptyMessage(msg, peer)
	}
}

func (e *Endpoint) receiveRequest(req *message.Message, peer transport.PeerAddress) {
	if req.Type == message.Acknowledgement || req.Type == message.Reset {
		if e.log != nil {
			e.log.Debugf("dropping request in %s %d from %s", req.Type, req.ID, peer)
		}
		return
	}
	ex := e.matcher.ReceiveRequest(req, peer)
	if !req.Duplicate {
		e.track(ex)
	}
	e.stack.ReceiveRequest(ex, req)
}

func (e *Endpoint) receiveResponse(resp *message.Message, peer transport.PeerAddress) {
	ex := e.matcher.ReceiveResponse(resp, peer)
	if ex == nil {
		// A response with an empty token cannot belong to a request of
		// ours; piggybacked ones have nothing to reject.
		if len(resp.Token) > 0 && resp.Type != message.Acknowledgement {
			e.sendReset(resp.ID, peer, resetUnmatched)
		}
		return
	}
	e.stack.ReceiveResponse(ex, resp)
}

func (e *Endpoint) receiveEmptyMessage(msg *message.Message, peer transport.PeerAddress) {
	switch msg.Type {
	case message.Confirmable:
		e.sendReset(msg.ID, peer, resetPing)
		return
	case message.NonConfirmable:
		return
	}
	ex := e.matcher.ReceiveEmptyMessage(msg, peer)
	if ex == nil {
		return
	}
	e.stack.ReceiveEmptyMessage(ex, msg)
}

func (e *Endpoint) sendReset(id int32, peer transport.PeerAddress, reason string) {
	rst := &message.Message{Type: message.Reset, Code: message.Empty, ID: id, Token: []byte{}}
	if e.write(rst, peer) == nil {
		e.metrics.ResetSent(reason)
	}
}

// write encodes msg and hands it to the transport.
func (e *Endpoint) write(msg *message.Message, peer transport.PeerAddress) error {
	data, err := msg.Encode()
	if err != nil {
		if e.log != nil {
			e.log.Warnf("cannot encode %s: %v", msg, err)
		}
		return err
	}
	if err := e.transport.Send(data, peer.Addr); err != nil {
		if e.log != nil {
			e.log.Debugf("send to %s failed: %v", peer, err)
		}
		return err
	}
	e.metrics.MessageSent(msg.Type)
	if e.log != nil {
		e.log.Tracef("sent %s to %s", msg, peer)
	}
	return nil
}

// outbox is the bottom of the stack: it registers outgoing messages with
// the matcher and writes them.
type outbox struct {
	e *Endpoint
}

var _ stack.Outbox = outbox{}

func (o outbox) SendRequest(ex *exchange.Exchange, req *message.Message) error {
	if err := o.e.matcher.SendRequest(ex, req); err != nil {
		return err
	}
	return o.e.write(req, ex.Peer())
}

func (o outbox) SendResponse(ex *exchange.Exchange, resp *message.Message) error {
	// The matcher skips registration for completed exchanges; the datagram
	// still goes out so retransmitted requests get their answer.
	if err := o.e.matcher.SendResponse(ex, resp); err != nil {
		return err
	}
	return o.e.write(resp, ex.Peer())
}

func (o outbox) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) error {
	if err := o.e.matcher.SendEmptyMessage(ex, msg); err != nil {
		return err
	}
	peer := transport.PeerAddress{}
	if ex != nil {
		peer = ex.Peer()
	}
	if !peer.IsValid() {
		return transport.ErrInvalidAddress
	}
	return o.e.write(msg, peer)
}

// deliverer is the top of the stack.
type deliverer struct {
	e *Endpoint
}

var _ stack.Deliverer = deliverer{}

func (d deliverer) DeliverRequest(ex *exchange.Exchange) {
	d.e.handler.ServeCoAP(d.e, ex, ex.Request())
}

func (d deliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Message) {
	if fn, ok := ex.Attr(attrNotifications).(NotificationFunc); ok {
		fn(resp)
	}
}
