package message

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlockEncode(t *testing.T) {
	tests := []struct {
		name  string
		block Block
		want  []byte
	}{
		{"zero", Block{Num: 0, SZX: 0}, []byte{}},
		{"more bit", Block{Num: 0, SZX: 2, More: true}, []byte{0x0a}},
		{"one byte num", Block{Num: 15, SZX: 6}, []byte{0xf6}},
		{"two byte num", Block{Num: 16, SZX: 6, More: true}, []byte{0x01, 0x0e}},
		{"three byte num", Block{Num: MaxBlockNum, SZX: 0}, []byte{0xff, 0xff, 0xf0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.block.Encode()
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = %x, want %x", got, tt.want)
			}
			back, err := ParseBlock(got)
			if err != nil {
				t.Fatalf("ParseBlock() error: %v", err)
			}
			if back != tt.block {
				t.Errorf("ParseBlock() = %+v, want %+v", back, tt.block)
			}
		})
	}
}

func TestParseBlockRejects(t *testing.T) {
	if _, err := ParseBlock([]byte{0x07}); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("szx 7: error = %v, want ErrInvalidBlock", err)
	}
	if _, err := ParseBlock([]byte{1, 2, 3, 4}); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("4 bytes: error = %v, want ErrInvalidBlock", err)
	}
}

func TestBlockSizes(t *testing.T) {
	for szx := uint8(0); szx <= MaxSZX; szx++ {
		size := SZXToSize(szx)
		if SZXFromSize(size) != szx {
			t.Errorf("SZXFromSize(%d) = %d, want %d", size, SZXFromSize(size), szx)
		}
	}
	if got := SZXFromSize(300); got != 4 {
		t.Errorf("SZXFromSize(300) = %d, want 4", got)
	}
	if got := SZXFromSize(4096); got != MaxSZX {
		t.Errorf("SZXFromSize(4096) = %d, want %d", got, MaxSZX)
	}
	if got := SZXFromSize(1); got != 0 {
		t.Errorf("SZXFromSize(1) = %d, want 0", got)
	}
	b := Block{Num: 3, SZX: 2}
	if b.Offset() != 192 {
		t.Errorf("Offset() = %d, want 192", b.Offset())
	}
}

func TestMessageBlockAccessors(t *testing.T) {
	m := NewRequest(PUT)
	if _, ok, _ := m.Block1(); ok {
		t.Fatal("Block1() present on fresh request")
	}
	m.SetBlock1(Block{Num: 2, SZX: 2, More: true})
	b, ok, err := m.Block1()
	if !ok || err != nil {
		t.Fatalf("Block1() = %v, %v, want present", ok, err)
	}
	if b.Num != 2 || !b.More || b.Size() != 64 {
		t.Errorf("Block1() = %v, want 2/1/64", b)
	}

	m.Options = m.Options.Set(Block2, []byte{0x0f})
	if _, ok, err := m.Block2(); !ok || err == nil {
		t.Errorf("Block2() malformed = %v, %v, want present with error", ok, err)
	}
}
