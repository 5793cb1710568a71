package message

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCodecRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "Empty ACK",
			msg:  &Message{Type: Acknowledgement, Code: Empty, ID: 0x1234, Token: []byte{}},
		},
		{
			name: "Confirmable GET with path",
			msg: &Message{
				Type:  Confirmable,
				Code:  GET,
				ID:    1,
				Token: []byte{0xde, 0xad, 0xbe, 0xef},
				Options: Options{
					{ID: URIPath, Value: []byte("sensors")},
					{ID: URIPath, Value: []byte("temp")},
				},
			},
		},
		{
			name: "Response with payload and content format",
			msg: &Message{
				Type:    NonConfirmable,
				Code:    Content,
				ID:      0xffff,
				Token:   []byte{1},
				Options: Options{{ID: ContentFormat, Value: []byte{}}, {ID: MaxAge, Value: []byte{0x3c}}},
				Payload: []byte("22.5 C"),
			},
		},
		{
			name: "Eight byte token",
			msg: &Message{
				Type:  Confirmable,
				Code:  POST,
				ID:    7,
				Token: []byte{1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		{
			name: "One byte extended delta and length",
			msg: &Message{
				Type:  Confirmable,
				Code:  PUT,
				ID:    9,
				Token: []byte{},
				Options: Options{
					{ID: Size1, Value: bytes.Repeat([]byte{'a'}, 20)},
				},
			},
		},
		{
			name: "Two byte extended delta and length",
			msg: &Message{
				Type:  Confirmable,
				Code:  PUT,
				ID:    10,
				Token: []byte{},
				Options: Options{
					{ID: URIPath, Value: []byte("x")},
					{ID: 2000, Value: bytes.Repeat([]byte{'b'}, 300)},
				},
				Payload: []byte{0},
			},
		},
		{
			name: "Reset",
			msg:  &Message{Type: Reset, Code: Empty, ID: 42, Token: []byte{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if diff := cmp.Diff(tt.msg, got); diff != "" {
				t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeHeaderBits(t *testing.T) {
	msg := &Message{
		Type:  NonConfirmable,
		Code:  Content,
		ID:    0xabcd,
		Token: []byte{0x01, 0x02},
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	want := []byte{0x52, 0x45, 0xab, 0xcd, 0x01, 0x02}
	if !bytes.Equal(data, want) {
		t.Errorf("Encode() = %x, want %x", data, want)
	}
}

func TestEncodeOptionEscapes(t *testing.T) {
	tests := []struct {
		name   string
		opt    Option
		prefix []byte
	}{
		{"delta 12 length 0", Option{ID: 12, Value: []byte{}}, []byte{0xc0}},
		{"delta 13 uses one byte", Option{ID: 13, Value: []byte{}}, []byte{0xd0, 0x00}},
		{"delta 268 uses one byte", Option{ID: 268, Value: []byte{}}, []byte{0xd0, 0xff}},
		{"delta 269 uses two bytes", Option{ID: 269, Value: []byte{}}, []byte{0xe0, 0x00, 0x00}},
		{"length 13 uses one byte", Option{ID: 1, Value: make([]byte, 13)}, []byte{0x1d, 0x00}},
		{"length 269 uses two bytes", Option{ID: 1, Value: make([]byte, 269)}, []byte{0x1e, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Type: Confirmable, Code: GET, ID: 1, Token: []byte{}, Options: Options{tt.opt}}
			data, err := msg.Encode()
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			got := data[HeaderSize : HeaderSize+len(tt.prefix)]
			if !bytes.Equal(got, tt.prefix) {
				t.Errorf("option prefix = %x, want %x", got, tt.prefix)
			}
		})
	}
}

func TestEncodeSortsOptions(t *testing.T) {
	msg := &Message{
		Type:  Confirmable,
		Code:  GET,
		ID:    1,
		Token: []byte{},
		Options: Options{
			{ID: URIQuery, Value: []byte("a=1")},
			{ID: URIPath, Value: []byte("p")},
		},
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.Options[0].ID != URIPath || got.Options[1].ID != URIQuery {
		t.Errorf("options not sorted: %v", got.Options)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want error
	}{
		{"unspecified type", &Message{Code: GET, ID: 1}, ErrInvalidType},
		{"no ID", &Message{Type: Confirmable, Code: GET, ID: NoID}, ErrNoID},
		{"token too long", &Message{Type: Confirmable, Code: GET, ID: 1, Token: make([]byte, 9)}, ErrTokenTooLong},
		{"empty with payload", &Message{Type: Acknowledgement, Code: Empty, ID: 1, Payload: []byte{1}}, ErrEmptyNotEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.msg.Encode()
			if !errors.Is(err, tt.want) {
				t.Errorf("Encode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeFormatErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		headerValid bool
	}{
		{"too short", []byte{0x40, 0x01}, false},
		{"wrong version", []byte{0x80, 0x01, 0x00, 0x01}, false},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}, true},
		{"truncated token", []byte{0x44, 0x01, 0x00, 0x01, 1, 2}, true},
		{"empty with token", []byte{0x41, 0x00, 0x00, 0x01, 1}, true},
		{"empty with trailing byte", []byte{0x60, 0x00, 0x00, 0x01, 0xff}, true},
		{"reserved code class", []byte{0x40, 0x20, 0x00, 0x01}, true},
		{"marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xff}, true},
		{"reserved delta nibble", []byte{0x40, 0x01, 0x00, 0x01, 0xf1, 0x00}, true},
		{"reserved length nibble", []byte{0x40, 0x01, 0x00, 0x01, 0x1f}, true},
		{"truncated extended delta", []byte{0x40, 0x01, 0x00, 0x01, 0xd0}, true},
		{"truncated option value", []byte{0x40, 0x01, 0x00, 0x01, 0xb3, 'a'}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("Decode() succeeded, want error")
			}
			if !errors.Is(err, ErrFormat) {
				t.Errorf("Decode() error = %v, want ErrFormat", err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("Decode() error type = %T, want *FormatError", err)
			}
			if fe.HeaderValid != tt.headerValid {
				t.Errorf("HeaderValid = %v, want %v", fe.HeaderValid, tt.headerValid)
			}
		})
	}
}

func TestFormatErrorRecoversHeader(t *testing.T) {
	_, err := Decode([]byte{0x40, 0x01, 0x12, 0x34, 0xff})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Decode() error = %v, want *FormatError", err)
	}
	if fe.Type != Confirmable {
		t.Errorf("Type = %v, want CON", fe.Type)
	}
	if fe.ID != 0x1234 {
		t.Errorf("ID = %#x, want 0x1234", fe.ID)
	}
}
