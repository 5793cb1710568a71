package endpoint

import (
	"sort"
	"strings"
	"sync"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// Handler serves requests received by an endpoint. ServeCoAP runs on the
// transport's read loop; a handler that needs time should Accept the
// exchange and Respond from another goroutine.
type Handler interface {
	ServeCoAP(ep *Endpoint, ex *exchange.Exchange, req *message.Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ep *Endpoint, ex *exchange.Exchange, req *message.Message)

// ServeCoAP calls f.
func (f HandlerFunc) ServeCoAP(ep *Endpoint, ex *exchange.Exchange, req *message.Message) {
	f(ep, ex, req)
}

// NotFound answers every request with 4.04.
var NotFound Handler = notFound{}

type notFound struct{}

func (notFound) ServeCoAP(ep *Endpoint, ex *exchange.Exchange, req *message.Message) {
	ep.Respond(ex, message.NewResponse(req, message.NotFound))
}

// Mux routes requests by Uri-Path. A pattern ending in "/" matches every
// path below it; the longest match wins.
//
// Thread-safe for concurrent access.
type Mux struct {
	mu       sync.RWMutex
	exact    map[string]Handler
	prefixes []string
	byPrefix map[string]Handler
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{
		exact:    make(map[string]Handler),
		byPrefix: make(map[string]Handler),
	}
}

// Handle registers h for pattern, replacing any earlier registration.
func (m *Mux) Handle(pattern string, h Handler) {
	pattern = cleanPath(pattern)

	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.HasSuffix(pattern, "/") {
		if _, ok := m.byPrefix[pattern]; !ok {
			m.prefixes = append(m.prefixes, pattern)
			sort.Slice(m.prefixes, func(i, j int) bool {
				return len(m.prefixes[i]) > len(m.prefixes[j])
			})
		}
		m.byPrefix[pattern] = h
		return
	}
	m.exact[pattern] = h
}

// HandleFunc registers fn for pattern.
func (m *Mux) HandleFunc(pattern string, fn func(ep *Endpoint, ex *exchange.Exchange, req *message.Message)) {
	m.Handle(pattern, HandlerFunc(fn))
}

// Handler returns the handler for path, or NotFound.
func (m *Mux) Handler(path string) Handler {
	path = cleanPath(path)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.exact[path]; ok {
		return h
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(path, p) || path+"/" == p {
			return m.byPrefix[p]
		}
	}
	return NotFound
}

// ServeCoAP dispatches req to the handler for its Uri-Path.
func (m *Mux) ServeCoAP(ep *Endpoint, ex *exchange.Exchange, req *message.Message) {
	m.Handler(req.URIPath()).ServeCoAP(ep, ex, req)
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
