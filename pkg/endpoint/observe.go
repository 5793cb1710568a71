package endpoint

import (
	"context"
	"sync"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// NotificationFunc receives the responses of an observation, starting
// with the response to the registration.
type NotificationFunc func(resp *message.Message)

// Observation is a client registration with an observable resource.
type Observation struct {
	ep *Endpoint
	ex *exchange.Exchange
}

// Observe registers with the resource req targets and calls fn for every
// notification, in order of freshness. It returns once the first response
// arrived. When that response does not establish a relation, fn has seen it
// and ErrNotObservable is returned.
func (e *Endpoint) Observe(ctx context.Context, req *message.Message, peer transport.PeerAddress, fn NotificationFunc) (*Observation, error) {
	req.SetObserve(0)
	ex := exchange.New(exchange.OriginLocal, req, peer)

	first := make(chan *message.Message, 1)
	var once sync.Once
	ex.SetAttr(attrNotifications, NotificationFunc(func(resp *message.Message) {
		once.Do(func() { first <- resp })
		if fn != nil {
			fn(resp)
		}
	}))

	if err := e.start(ex, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-first:
		if _, ok := resp.Observe(); !ok || !resp.Code.IsSuccess() {
			ex.Cancel()
			return nil, ErrNotObservable
		}
	case <-ex.Done():
		if err := ex.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotObservable
	case <-ctx.Done():
		ex.Cancel()
		return nil, ctx.Err()
	}
	return &Observation{ep: e, ex: ex}, nil
}

// Exchange returns the exchange carrying the notifications.
func (o *Observation) Exchange() *exchange.Exchange {
	return o.ex
}

// Done returns a channel closed when the observation ends, either by
// Cancel or by the server.
func (o *Observation) Done() <-chan struct{} {
	return o.ex.Done()
}

// Err returns why the observation ended.
func (o *Observation) Err() error {
	return o.ex.Err()
}

// Cancel stops delivering notifications and deregisters with the server
// by sending a GET with Observe 1 under the same token.
func (o *Observation) Cancel(ctx context.Context) error {
	req := o.ex.Request()
	token := req.Token
	if cur := o.ex.CurrentRequest(); cur != nil {
		token = cur.Token
	}
	o.ex.Cancel()

	dereg := req.Clone()
	dereg.ID = message.NoID
	dereg.Token = append([]byte{}, token...)
	dereg.Payload = nil
	dereg.Options = dereg.Options.Remove(message.Block2)
	dereg.SetObserve(1)

	_, err := o.ep.Do(ctx, dereg, o.ex.Peer())
	return err
}
