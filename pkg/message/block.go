package message

import "fmt"

// Block option limits (RFC 7959 Section 2.2).
const (
	// MaxBlockNum is the largest block number encodable in three bytes.
	MaxBlockNum = 1<<20 - 1
	// MaxSZX is the largest valid size exponent (1024 bytes).
	MaxSZX = 6
	// MinBlockSize and MaxBlockSize bound the negotiable block sizes.
	MinBlockSize = 16
	MaxBlockSize = 1024
)

// Block is the decoded value of a Block1 or Block2 option.
type Block struct {
	Num  uint32
	SZX  uint8
	More bool
}

// ParseBlock decodes a block option value.
func ParseBlock(v []byte) (Block, error) {
	if len(v) > 3 {
		return Block{}, ErrInvalidBlock
	}
	raw := decodeUint(v)
	b := Block{
		Num:  raw >> 4,
		SZX:  uint8(raw & 0x07),
		More: raw&0x08 != 0,
	}
	if b.SZX > MaxSZX {
		return Block{}, ErrInvalidBlock
	}
	return b, nil
}

// Encode returns the minimal option value.
func (b Block) Encode() []byte {
	v := b.Num<<4 | uint32(b.SZX&0x07)
	if b.More {
		v |= 0x08
	}
	return encodeUint(v)
}

// Size returns the block size in bytes.
func (b Block) Size() int {
	return SZXToSize(b.SZX)
}

// Offset returns the byte offset of the block within the body.
func (b Block) Offset() int {
	return int(b.Num) * b.Size()
}

// IsValid reports whether the fields can be encoded.
func (b Block) IsValid() bool {
	return b.SZX <= MaxSZX && b.Num <= MaxBlockNum
}

// String returns "num/more/size".
func (b Block) String() string {
	m := 0
	if b.More {
		m = 1
	}
	return fmt.Sprintf("%d/%d/%d", b.Num, m, b.Size())
}

// SZXToSize maps a size exponent to a block size.
func SZXToSize(szx uint8) int {
	return 1 << (uint(szx) + 4)
}

// SZXFromSize returns the largest exponent whose block size does not exceed
// size, clamped to the valid range.
func SZXFromSize(size int) uint8 {
	var szx uint8
	for szx < MaxSZX && SZXToSize(szx+1) <= size {
		szx++
	}
	return szx
}
