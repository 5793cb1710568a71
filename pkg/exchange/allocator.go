package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// MessageIDAllocator hands out 16-bit message IDs for one endpoint.
// It is safe for concurrent use.
type MessageIDAllocator struct {
	mu   sync.Mutex
	next uint16
}

// NewMessageIDAllocator creates an allocator starting at a random value when
// random is set, at 1 otherwise.
func NewMessageIDAllocator(random bool) *MessageIDAllocator {
	start := uint16(1)
	if random {
		start = uint16(randomUint64())
	}
	return &MessageIDAllocator{next: start}
}

// Next returns the next message ID, wrapping at 2^16.
func (a *MessageIDAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// TokenAllocator hands out tokens for one endpoint.
// It is safe for concurrent use.
type TokenAllocator struct {
	length int
	random bool

	mu      sync.Mutex
	counter uint64
}

// NewTokenAllocator creates an allocator producing tokens of length bytes,
// clamped to 1..8. Random tokens are drawn from crypto/rand; otherwise a
// counter is used.
func NewTokenAllocator(length int, random bool) *TokenAllocator {
	if length < 1 {
		length = 1
	}
	if length > 8 {
		length = 8
	}
	return &TokenAllocator{length: length, random: random}
}

// Next returns a new token.
func (a *TokenAllocator) Next() []byte {
	token := make([]byte, a.length)
	if a.random {
		if _, err := rand.Read(token); err == nil {
			return token
		}
	}

	a.mu.Lock()
	a.counter++
	v := a.counter
	a.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(token, buf[8-a.length:])
	return token
}

func randomUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fallback to 1 if random fails (should never happen)
		return 1
	}
	return binary.BigEndian.Uint64(buf[:])
}
