package exchange

import (
	"bytes"
	"sync"

	"github.com/backkem/coap/pkg/message"
)

// BlockwiseStatus tracks one direction of a blockwise transfer.
//
// For outgoing transfers it records the block to send next. For incoming
// transfers it accumulates payloads and only accepts the expected block.
type BlockwiseStatus struct {
	contentFormat int

	mu           sync.Mutex
	currentNum   uint32
	currentSZX   uint8
	blocks       [][]byte
	size         int
	complete     bool
	randomAccess bool
	observe      uint32
	hasObserve   bool
}

// NewBlockwiseStatus creates a status for a body with the given content
// format, -1 when the message has none.
func NewBlockwiseStatus(contentFormat int, szx uint8) *BlockwiseStatus {
	return &BlockwiseStatus{
		contentFormat: contentFormat,
		currentSZX:    szx,
	}
}

// ContentFormat returns the content format of the transferred body.
func (s *BlockwiseStatus) ContentFormat() int {
	return s.contentFormat
}

// Current returns the next block number and size exponent.
func (s *BlockwiseStatus) Current() (uint32, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNum, s.currentSZX
}

// SetCurrent sets the next block number and size exponent.
func (s *BlockwiseStatus) SetCurrent(num uint32, szx uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentNum = num
	s.currentSZX = szx
}

// Accept appends payload if b is the expected next block. A change of block
// size is honored when the bytes received so far fall on a boundary of the
// new size. It returns false, leaving the status untouched, otherwise.
func (s *BlockwiseStatus) Accept(b message.Block, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.complete {
		return false
	}
	expected := s.currentNum
	if b.SZX != s.currentSZX {
		newSize := b.Size()
		if s.size%newSize != 0 {
			return false
		}
		expected = uint32(s.size / newSize)
	}
	if b.Num != expected {
		return false
	}
	if b.More && len(payload) != b.Size() {
		return false
	}

	s.blocks = append(s.blocks, append([]byte(nil), payload...))
	s.size += len(payload)
	s.currentSZX = b.SZX
	s.currentNum = b.Num + 1
	if !b.More {
		s.complete = true
	}
	return true
}

// Body returns the concatenation of the accepted blocks.
func (s *BlockwiseStatus) Body() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	buf.Grow(s.size)
	for _, b := range s.blocks {
		buf.Write(b)
	}
	return buf.Bytes()
}

// BlockCount returns the number of accepted blocks.
func (s *BlockwiseStatus) BlockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Size returns the number of bytes accepted so far.
func (s *BlockwiseStatus) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// IsComplete reports whether the last block has been handled.
func (s *BlockwiseStatus) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// SetComplete marks the transfer complete.
func (s *BlockwiseStatus) SetComplete(c bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = c
}

// IsRandomAccess reports whether the transfer started at a block other
// than zero.
func (s *BlockwiseStatus) IsRandomAccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.randomAccess
}

// SetRandomAccess marks the transfer as random access.
func (s *BlockwiseStatus) SetRandomAccess(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.randomAccess = v
}

// Observe returns the Observe sequence of the notification being assembled.
func (s *BlockwiseStatus) Observe() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observe, s.hasObserve
}

// SetObserve records the Observe sequence of the first block.
func (s *BlockwiseStatus) SetObserve(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe = v
	s.hasObserve = true
}
