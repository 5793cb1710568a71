package main

import (
	"bytes"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// largeBodySize is the size of /large, more than one default block.
const largeBodySize = 1500

// resources holds the state of the demo resources.
type resources struct {
	mu   sync.Mutex
	echo []byte

	large []byte
	now   func() time.Time
}

func newResources() *resources {
	return &resources{
		large: bytes.Repeat([]byte("0123456789abcdef"), largeBodySize/16+1)[:largeBodySize],
		now:   time.Now,
	}
}

// mux routes the demo resources.
func (r *resources) mux() *endpoint.Mux {
	mux := endpoint.NewMux()
	mux.HandleFunc("/echo", r.serveEcho)
	mux.HandleFunc("/large", r.serveLarge)
	mux.HandleFunc("/time", r.serveTime)
	return mux
}

// serveEcho answers PUT and POST with the request payload and stores it
// for later GETs.
func (r *resources) serveEcho(ep *endpoint.Endpoint, ex *exchange.Exchange, req *message.Message) {
	var resp *message.Message
	switch req.Code {
	case message.GET:
		r.mu.Lock()
		body := append([]byte{}, r.echo...)
		r.mu.Unlock()
		resp = message.NewResponse(req, message.Content)
		resp.Payload = body
	case message.PUT, message.POST:
		r.mu.Lock()
		r.echo = append([]byte{}, req.Payload...)
		r.mu.Unlock()
		code := message.Changed
		if req.Code == message.POST {
			code = message.Created
		}
		resp = message.NewResponse(req, code)
		resp.Payload = req.Payload
	default:
		resp = message.NewResponse(req, message.MethodNotAllowed)
	}
	if cf := req.ContentFormat(); cf >= 0 && len(resp.Payload) > 0 {
		resp.SetContentFormat(uint16(cf))
	}
	ep.Respond(ex, resp)
}

func (r *resources) serveLarge(ep *endpoint.Endpoint, ex *exchange.Exchange, req *message.Message) {
	if req.Code != message.GET {
		ep.Respond(ex, message.NewResponse(req, message.MethodNotAllowed))
		return
	}
	resp := message.NewResponse(req, message.Content)
	resp.SetContentFormat(message.TextPlain)
	resp.Payload = r.large
	ep.Respond(ex, resp)
}

func (r *resources) serveTime(ep *endpoint.Endpoint, ex *exchange.Exchange, req *message.Message) {
	if req.Code != message.GET {
		ep.Respond(ex, message.NewResponse(req, message.MethodNotAllowed))
		return
	}
	ep.Respond(ex, r.timeResponse(ex))
}

// timeResponse builds the current /time representation for ex.
func (r *resources) timeResponse(ex *exchange.Exchange) *message.Message {
	resp := message.NewResponse(ex.Request(), message.Content)
	resp.SetContentFormat(message.TextPlain)
	resp.Payload = []byte(r.now().UTC().Format(time.RFC3339))
	return resp
}

// notifyTime pushes the current time to every /time observer.
func (r *resources) notifyTime(ep *endpoint.Endpoint) int {
	return ep.Notify("/time", r.timeResponse)
}
