package exchange

import (
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
)

func newTestRelation(t *testing.T, registry *ObserveRegistry, port int, token byte) *ObserveRelation {
	t.Helper()
	req := testRequest(message.GET, message.Confirmable, int32(token), token)
	req.SetObserve(0)
	ex := New(OriginRemote, req, testPeer(port))
	r := NewObserveRelation(ObserveRelationConfig{
		Exchange:           ex,
		CheckIntervalCount: 3,
		Registry:           registry,
	})
	ex.SetRelation(r)
	if registry != nil {
		registry.Add(r)
	}
	return r
}

func notification(typ message.Type, id int32) *message.Message {
	n := message.NewRequest(message.Content)
	n.Type = typ
	n.ID = id
	return n
}

func TestObserveRelationSingleInTransit(t *testing.T) {
	r := newTestRelation(t, nil, 5683, 1)

	n1 := notification(message.Confirmable, 100)
	if !r.Offer(n1) {
		t.Fatal("Offer(n1) = false, want send")
	}
	if r.InTransit() != n1 {
		t.Fatal("InTransit() != n1")
	}

	n2 := notification(message.NonConfirmable, -1)
	n3 := notification(message.NonConfirmable, -1)
	if r.Offer(n2) {
		t.Error("Offer(n2) = true while n1 in transit")
	}
	if r.Offer(n3) {
		t.Error("Offer(n3) = true while n1 in transit")
	}

	next, cancel := r.Acknowledged()
	if cancel {
		t.Error("Acknowledged() cancel = true")
	}
	if next != n3 {
		t.Errorf("Acknowledged() next = %v, want newest notification", next)
	}
	if r.InTransit() != nil {
		t.Error("non-confirmable replacement left in transit")
	}
	if next, _ := r.Acknowledged(); next != nil {
		t.Errorf("second Acknowledged() next = %v, want nil", next)
	}
}

func TestObserveRelationTakeReplacement(t *testing.T) {
	r := newTestRelation(t, nil, 5683, 1)

	n1 := notification(message.Confirmable, 100)
	r.Offer(n1)
	if got := r.TakeReplacement(); got != nil {
		t.Fatalf("TakeReplacement() without pending = %v, want nil", got)
	}

	n2 := notification(message.NonConfirmable, -1)
	r.Offer(n2)
	got := r.TakeReplacement()
	if got != n2 {
		t.Fatalf("TakeReplacement() = %v, want n2", got)
	}
	if got.Type != message.Confirmable || got.ID != 100 {
		t.Errorf("replacement = %s id %d, want CON id 100", got.Type, got.ID)
	}
	if r.InTransit() != n2 {
		t.Error("replacement is not in transit")
	}
}

func TestObserveRelationConfirmableReplacementInTransit(t *testing.T) {
	r := newTestRelation(t, nil, 5683, 1)

	r.Offer(notification(message.Confirmable, 100))
	n2 := notification(message.Confirmable, -1)
	r.Offer(n2)

	if next, _ := r.Acknowledged(); next != n2 {
		t.Fatalf("Acknowledged() next = %v, want n2", next)
	}
	if r.InTransit() != n2 {
		t.Error("confirmable replacement not in transit")
	}
	if r.Offer(notification(message.NonConfirmable, -1)) {
		t.Error("Offer() = true while replacement in transit")
	}
}

func TestObserveRelationOfferLast(t *testing.T) {
	tests := []struct {
		name      string
		inTransit bool
	}{
		{"idle", false},
		{"queued behind notification", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewObserveRegistry()
			r := newTestRelation(t, registry, 5683, 1)

			if tt.inTransit {
				r.Offer(notification(message.Confirmable, 100))
			}
			last := notification(message.Confirmable, 101)
			if got := r.OfferLast(last); got == tt.inTransit {
				t.Fatalf("OfferLast() = %v, want %v", got, !tt.inTransit)
			}
			if r.Offer(notification(message.NonConfirmable, -1)) {
				t.Error("Offer() after OfferLast = true")
			}

			if tt.inTransit {
				next, cancel := r.Acknowledged()
				if next != last || cancel {
					t.Fatalf("Acknowledged() = %v, %v, want last, false", next, cancel)
				}
			}
			next, cancel := r.Acknowledged()
			if next != nil || !cancel {
				t.Errorf("Acknowledged() = %v, %v, want nil, true", next, cancel)
			}

			r.Cancel()
			if !r.Exchange().IsComplete() {
				t.Error("exchange not complete after Cancel")
			}
			if registry.Len() != 0 {
				t.Errorf("registry Len() = %d, want 0", registry.Len())
			}
		})
	}
}

func TestObserveRelationDetach(t *testing.T) {
	registry := NewObserveRegistry()
	r := newTestRelation(t, registry, 5683, 1)
	r.Exchange().SetHooks(&TransmissionHooks{})

	if !r.Detach() {
		t.Fatal("Detach() = false")
	}
	if r.Detach() {
		t.Error("second Detach() = true")
	}
	if r.Exchange().IsComplete() {
		t.Error("Detach completed the exchange")
	}
	if r.Exchange().Hooks() != nil {
		t.Error("hooks still installed after Detach")
	}
	if registry.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", registry.Len())
	}
}

func TestObserveRelationCheck(t *testing.T) {
	r := newTestRelation(t, nil, 5683, 1)

	var got []bool
	for i := 0; i < 6; i++ {
		got = append(got, r.Check())
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Check() #%d = %v, want %v", i, got[i], want[i])
		}
	}

	timed := NewObserveRelation(ObserveRelationConfig{
		Exchange:           r.Exchange(),
		CheckIntervalCount: 1000,
		CheckIntervalTime:  time.Millisecond,
	})
	time.Sleep(5 * time.Millisecond)
	if !timed.Check() {
		t.Error("Check() after interval = false")
	}
}

func TestObserveRelationSequence(t *testing.T) {
	r := newTestRelation(t, nil, 5683, 1)
	r.seq = ObserveSequenceModulus - 1
	if got := r.NextSequence(); got != 0 {
		t.Errorf("NextSequence() at wrap = %d, want 0", got)
	}
	if got := r.NextSequence(); got != 1 {
		t.Errorf("NextSequence() = %d, want 1", got)
	}
}

func TestObserveRegistry(t *testing.T) {
	registry := NewObserveRegistry()
	a := newTestRelation(t, registry, 5683, 1)
	b := newTestRelation(t, registry, 5683, 2)
	c := newTestRelation(t, registry, 5684, 1)

	if registry.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", registry.Len())
	}
	if got := registry.Get(testPeer(5683), []byte{2}); got != b {
		t.Errorf("Get() = %v, want b", got)
	}

	// Re-registration with the same token replaces the old relation.
	replacement := newTestRelation(t, registry, 5683, 1)
	if !a.IsCanceled() || !a.Exchange().IsComplete() {
		t.Error("replaced relation still active")
	}
	if got := registry.Get(testPeer(5683), []byte{1}); got != replacement {
		t.Errorf("Get() = %v, want replacement", got)
	}

	if got := len(registry.Relations()); got != 3 {
		t.Errorf("Relations() returned %d, want 3", got)
	}

	registry.CancelAll(testPeer(5683))
	if !b.IsCanceled() || !replacement.IsCanceled() {
		t.Error("CancelAll left relations of the peer active")
	}
	if c.IsCanceled() {
		t.Error("CancelAll canceled another peer's relation")
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1", registry.Len())
	}
}
