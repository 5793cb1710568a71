package endpoint

import (
	"testing"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

func named(name string, hit *string) Handler {
	return HandlerFunc(func(*Endpoint, *exchange.Exchange, *message.Message) { *hit = name })
}

func TestMuxRouting(t *testing.T) {
	var hit string
	mux := NewMux()
	mux.Handle("/a", named("a", &hit))
	mux.Handle("a/b", named("a/b", &hit))
	mux.Handle("/files/", named("files", &hit))
	mux.Handle("/files/deep/", named("deep", &hit))

	tests := []struct {
		path string
		want string
	}{
		{"/a", "a"},
		{"/a/b", "a/b"},
		{"/files", "files"},
		{"/files/x", "files"},
		{"/files/deep/y", "deep"},
		{"/other", ""},
	}
	for _, tt := range tests {
		hit = ""
		h := mux.Handler(tt.path)
		if tt.want == "" {
			if h != NotFound {
				t.Errorf("Handler(%q) is not NotFound", tt.path)
			}
			continue
		}
		h.ServeCoAP(nil, nil, nil)
		if hit != tt.want {
			t.Errorf("Handler(%q) routed to %q, want %q", tt.path, hit, tt.want)
		}
	}
}

func TestMuxReplace(t *testing.T) {
	var hit string
	mux := NewMux()
	mux.Handle("/p/", named("first", &hit))
	mux.Handle("/p/", named("second", &hit))

	mux.Handler("/p/q").ServeCoAP(nil, nil, nil)
	if hit != "second" {
		t.Errorf("routed to %q, want second", hit)
	}
	if len(mux.prefixes) != 1 {
		t.Errorf("prefixes = %v, want one entry", mux.prefixes)
	}
}
