package stack

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

func fastReliability(maxRetransmit int) *Reliability {
	return NewReliability(ReliabilityConfig{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1,
		AckTimeoutScale: 2,
		MaxRetransmit:   maxRetransmit,
		Random:          mockRandomSource{0},
	})
}

func TestReliabilityRequestType(t *testing.T) {
	tests := []struct {
		in   message.Type
		want message.Type
	}{
		{message.Unspecified, message.Confirmable},
		{message.Confirmable, message.Confirmable},
		{message.NonConfirmable, message.NonConfirmable},
	}
	for _, tt := range tests {
		s, rec := newTestStack(fastReliability(1))
		ex, req := localExchange(message.GET)
		req.Type = tt.in
		if err := s.SendRequest(ex, req); err != nil {
			t.Fatalf("SendRequest() error = %v", err)
		}
		if got := rec.Last().Type; got != tt.want {
			t.Errorf("request type %s sent as %s, want %s", tt.in, got, tt.want)
		}
		ex.Cancel()
	}
}

func TestReliabilityResponseType(t *testing.T) {
	tests := []struct {
		name    string
		reqType message.Type
		acked   bool
		want    message.Type
		wantID  bool
	}{
		{"piggybacked", message.Confirmable, false, message.Acknowledgement, true},
		{"separate", message.Confirmable, true, message.Confirmable, false},
		{"non-confirmable", message.NonConfirmable, false, message.NonConfirmable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestStack(fastReliability(1))
			ex, req := remoteExchange(message.GET, tt.reqType, 0x1234)
			defer ex.Cancel()
			if tt.acked {
				ex.MarkRequestAcknowledged()
			}

			if err := s.SendResponse(ex, message.NewResponse(req, message.Content)); err != nil {
				t.Fatalf("SendResponse() error = %v", err)
			}
			got := rec.Last()
			if got.Type != tt.want {
				t.Errorf("response type = %s, want %s", got.Type, tt.want)
			}
			if sameID := got.ID == req.ID; sameID != tt.wantID {
				t.Errorf("response ID %d, request ID %d, want same = %v", got.ID, req.ID, tt.wantID)
			}
			if ex.CurrentResponse() == nil {
				t.Error("CurrentResponse() not set")
			}
		})
	}
}

func TestReliabilityRetransmission(t *testing.T) {
	s, rec := newTestStack(fastReliability(2))
	ex, req := localExchange(message.GET)
	if err := s.SendRequest(ex, req); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	select {
	case <-ex.Done():
	case <-time.After(time.Second):
		t.Fatal("exchange did not time out")
	}
	if ex.Err() != exchange.ErrTimedOut {
		t.Errorf("Err() = %v, want %v", ex.Err(), exchange.ErrTimedOut)
	}

	sent := rec.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d copies, want 3", len(sent))
	}
	for i, m := range sent {
		if m.ID != sent[0].ID || m.Type != message.Confirmable {
			t.Errorf("copy %d = %s, want CON with ID %d", i, m, sent[0].ID)
		}
	}
}

func TestReliabilityTimedOutHook(t *testing.T) {
	s, _ := newTestStack(fastReliability(1))
	ex, req := remoteExchange(message.GET, message.NonConfirmable, 1)

	timedOut := make(chan struct{})
	ex.SetHooks(&exchange.TransmissionHooks{TimedOut: func() { close(timedOut) }})

	resp := message.NewResponse(req, message.Content)
	resp.Type = message.Confirmable
	s.SendResponse(ex, resp)

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("TimedOut hook not called")
	}
}

func TestReliabilityAcknowledgementStops(t *testing.T) {
	s, rec := newTestStack(fastReliability(4))
	ex, req := localExchange(message.GET)
	defer ex.Cancel()
	s.SendRequest(ex, req)

	s.ReceiveEmptyMessage(ex, message.NewAck(rec.Last()))
	if !ex.RequestAcknowledged() {
		t.Error("RequestAcknowledged() = false")
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(rec.Sent()); n != 1 {
		t.Errorf("sent %d copies after ACK, want 1", n)
	}
	if ex.IsComplete() {
		t.Error("empty ACK completed a local exchange")
	}
}

func TestReliabilityRetransmittingHook(t *testing.T) {
	s, rec := newTestStack(fastReliability(4))
	ex, req := remoteExchange(message.GET, message.NonConfirmable, 1)
	defer ex.Cancel()

	calls := make(chan struct{}, 8)
	ex.SetHooks(&exchange.TransmissionHooks{Retransmitting: func() bool {
		calls <- struct{}{}
		return true
	}})
	resp := message.NewResponse(req, message.Content)
	resp.Type = message.Confirmable
	s.SendResponse(ex, resp)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("Retransmitting hook not called")
	}
	if n := len(rec.Sent()); n != 1 {
		t.Errorf("sent %d copies, want 1 when the hook takes over", n)
	}
}

func TestReliabilityDuplicateRequest(t *testing.T) {
	tests := []struct {
		name      string
		respond   bool
		accept    bool
		wantType  message.Type
		wantCode  message.Code
		wantCount int
	}{
		{"piggybacked response resent", true, false, message.Acknowledgement, message.Content, 2},
		{"accepted request acknowledged", false, true, message.Acknowledgement, message.Empty, 2},
		{"in progress ignored", false, false, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestStack(fastReliability(4))
			ex, req := remoteExchange(message.GET, message.Confirmable, 0x4242)
			defer ex.Cancel()
			rec.onRequest = func(ex *exchange.Exchange) {
				switch {
				case tt.respond:
					s.SendResponse(ex, message.NewResponse(ex.Request(), message.Content))
				case tt.accept:
					ex.MarkRequestAcknowledged()
					s.SendEmptyMessage(ex, message.NewAck(ex.Request()))
				}
			}

			s.ReceiveRequest(ex, req)
			dup := req.Clone()
			dup.Duplicate = true
			s.ReceiveRequest(ex, dup)

			if n, _ := rec.Delivered(); n != 1 {
				t.Errorf("delivered %d requests, want 1", n)
			}
			sent := rec.Sent()
			if len(sent) != tt.wantCount {
				t.Fatalf("sent %d messages, want %d", len(sent), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			if !sent[0].Equal(sent[1]) {
				t.Errorf("reply to duplicate = %s, want %s", sent[1], sent[0])
			}
			if sent[1].Type != tt.wantType || sent[1].Code != tt.wantCode || sent[1].ID != req.ID {
				t.Errorf("reply = %s, want %s %s with ID %d", sent[1], tt.wantType, tt.wantCode, req.ID)
			}
		})
	}
}

// failingOutbox fails every send once broken is set.
type failingOutbox struct {
	*recorder
	broken atomic.Bool
}

var errLinkDown = errors.New("link down")

func (o *failingOutbox) SendResponse(ex *exchange.Exchange, resp *message.Message) error {
	if o.broken.Load() {
		return errLinkDown
	}
	return o.recorder.SendResponse(ex, resp)
}

func (o *failingOutbox) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) error {
	if o.broken.Load() {
		return errLinkDown
	}
	return o.recorder.SendEmptyMessage(ex, msg)
}

func TestReliabilityDuplicateReplyErrorLogged(t *testing.T) {
	var logs bytes.Buffer
	lf := &logging.DefaultLoggerFactory{
		Writer:          &logs,
		DefaultLogLevel: logging.LogLevelDebug,
	}
	rel := NewReliability(ReliabilityConfig{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1,
		MaxRetransmit:   1,
		Random:          mockRandomSource{0},
		LoggerFactory:   lf,
	})
	out := &failingOutbox{recorder: newRecorder()}
	s := New(out, out.recorder, rel)
	out.onRequest = func(ex *exchange.Exchange) {
		s.SendResponse(ex, message.NewResponse(ex.Request(), message.Content))
	}

	ex, req := remoteExchange(message.GET, message.Confirmable, 0x5151)
	defer ex.Cancel()
	s.ReceiveRequest(ex, req)

	out.broken.Store(true)
	dup := req.Clone()
	dup.Duplicate = true
	s.ReceiveRequest(ex, dup)

	got := logs.String()
	if !strings.Contains(got, errLinkDown.Error()) {
		t.Errorf("log output %q does not mention %q", got, errLinkDown)
	}
	if !strings.Contains(got, "coap-reliability DEBUG") {
		t.Errorf("log output %q not scoped to coap-reliability", got)
	}
}

func TestReliabilityConfirmableResponse(t *testing.T) {
	s, rec := newTestStack(fastReliability(4))
	ex, req := localExchange(message.GET)
	s.SendRequest(ex, req)
	s.ReceiveEmptyMessage(ex, message.NewAck(rec.Last()))

	resp := responseTo(rec.Last(), message.Confirmable, message.Content)
	s.ReceiveResponse(ex, resp)

	ack := rec.Last()
	if ack.Type != message.Acknowledgement || !ack.IsEmpty() || ack.ID != resp.ID {
		t.Errorf("reply = %s, want empty ACK with ID %d", ack, resp.ID)
	}
	if !ex.IsComplete() {
		t.Error("separate response did not complete the exchange")
	}

	dup := resp.Clone()
	dup.Duplicate = true
	s.ReceiveResponse(ex, dup)
	if _, got := rec.Delivered(); len(got) != 1 {
		t.Errorf("delivered %d responses, want 1", len(got))
	}
	if last := rec.Last(); last.Type != message.Acknowledgement || last.ID != resp.ID {
		t.Errorf("duplicate answered with %s, want ACK", last)
	}
}

func TestReliabilityReset(t *testing.T) {
	s, rec := newTestStack(fastReliability(4))
	ex, req := remoteExchange(message.GET, message.NonConfirmable, 1)

	resp := message.NewResponse(req, message.Content)
	resp.Type = message.Confirmable
	s.SendResponse(ex, resp)
	s.ReceiveEmptyMessage(ex, message.NewReset(rec.Last()))

	if !ex.ResponseRejected() {
		t.Error("ResponseRejected() = false")
	}
	if ex.Err() != exchange.ErrRejected {
		t.Errorf("Err() = %v, want %v", ex.Err(), exchange.ErrRejected)
	}
}
