package exchange

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestDeduplicatorFindPrevious(t *testing.T) {
	kinds := []DeduplicatorKind{DeduplicatorMarkAndSweep, DeduplicatorCropRotation}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			d := NewDeduplicator(DeduplicatorConfig{Kind: kind})
			peer := testPeer(5683)
			key := KeyID{MID: 7, Peer: peer.String()}

			first := New(OriginRemote, testRequest(0, 0, 7), peer)
			second := New(OriginRemote, testRequest(0, 0, 7), peer)

			if prev := d.FindPrevious(key, first); prev != nil {
				t.Fatalf("FindPrevious() on empty = %v, want nil", prev)
			}
			if prev := d.FindPrevious(key, second); prev != first {
				t.Errorf("FindPrevious() = %v, want first exchange", prev)
			}
			if got := d.Find(key); got != first {
				t.Errorf("Find() = %v, want first exchange", got)
			}
			if got := d.Find(KeyID{MID: 8, Peer: peer.String()}); got != nil {
				t.Errorf("Find(other) = %v, want nil", got)
			}

			// Same ID from another peer is a different datagram.
			other := KeyID{MID: 7, Peer: testPeer(5684).String()}
			if prev := d.FindPrevious(other, second); prev != nil {
				t.Errorf("FindPrevious(other peer) = %v, want nil", prev)
			}

			d.Clear()
			if got := d.Find(key); got != nil {
				t.Errorf("Find() after Clear = %v, want nil", got)
			}
		})
	}
}

func TestSweepDeduplicatorExpiry(t *testing.T) {
	d := NewSweepDeduplicator(DeduplicatorConfig{
		ExchangeLifetime: 20 * time.Millisecond,
		SweepInterval:    time.Hour,
	})
	peer := testPeer(5683)
	key := KeyID{MID: 1, Peer: peer.String()}
	d.FindPrevious(key, New(OriginRemote, testRequest(0, 0, 1), peer))

	time.Sleep(40 * time.Millisecond)

	if got := d.Find(key); got != nil {
		t.Errorf("Find() after lifetime = %v, want nil", got)
	}
	if d.Len() != 1 {
		t.Errorf("Len() before sweep = %d, want 1", d.Len())
	}
	d.Sweep()
	if d.Len() != 0 {
		t.Errorf("Len() after sweep = %d, want 0", d.Len())
	}
}

func TestCropRotationDeduplicatorRotate(t *testing.T) {
	d := NewCropRotationDeduplicator(DeduplicatorConfig{RotationPeriod: time.Hour})
	peer := testPeer(5683)
	key := KeyID{MID: 1, Peer: peer.String()}
	ex := New(OriginRemote, testRequest(0, 0, 1), peer)
	d.FindPrevious(key, ex)

	// An entry survives one rotation.
	d.Rotate()
	if got := d.Find(key); got != ex {
		t.Fatalf("Find() after one rotation = %v, want exchange", got)
	}
	d.Rotate()
	if got := d.Find(key); got != nil {
		t.Errorf("Find() after two rotations = %v, want nil", got)
	}
}

func TestCropRotationDeduplicatorRefresh(t *testing.T) {
	d := NewCropRotationDeduplicator(DeduplicatorConfig{RotationPeriod: time.Hour})
	peer := testPeer(5683)
	key := KeyID{MID: 1, Peer: peer.String()}
	ex := New(OriginRemote, testRequest(0, 0, 1), peer)
	d.FindPrevious(key, ex)
	d.Rotate()

	// A hit in the older generation is copied forward.
	if prev := d.FindPrevious(key, New(OriginRemote, testRequest(0, 0, 1), peer)); prev != ex {
		t.Fatalf("FindPrevious() = %v, want exchange", prev)
	}
	d.Rotate()
	if got := d.Find(key); got != ex {
		t.Errorf("Find() after refresh and rotation = %v, want exchange", got)
	}
}

func TestDeduplicatorStartStop(t *testing.T) {
	defer leaktest.Check(t)()

	for _, kind := range []DeduplicatorKind{DeduplicatorMarkAndSweep, DeduplicatorCropRotation} {
		d := NewDeduplicator(DeduplicatorConfig{
			Kind:           kind,
			SweepInterval:  time.Millisecond,
			RotationPeriod: time.Millisecond,
		})
		d.Start()
		d.Start()
		time.Sleep(5 * time.Millisecond)
		d.Stop()
		d.Stop()
	}
}
