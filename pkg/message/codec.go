package message

import (
	"encoding/binary"
	"sort"
)

// Option delta/length nibble escapes (RFC 7252 Section 3.1).
const (
	nibbleExt8     = 13
	nibbleExt16    = 14
	nibbleReserved = 15
	ext8Offset     = 13
	ext16Offset    = 269
	maxOptionExt   = 0xffff + ext16Offset
)

// Encode serializes the message into its datagram form.
func (m *Message) Encode() ([]byte, error) {
	if !m.Type.IsValid() {
		return nil, ErrInvalidType
	}
	if !m.HasID() || m.ID > 0xffff {
		return nil, ErrNoID
	}
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}
	if m.Code.IsEmpty() && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, ErrEmptyNotEmpty
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Token)+len(m.Payload)+16*len(m.Options)+1)
	buf[0] = Version<<6 | m.Type.wire()<<4 | uint8(len(m.Token))
	buf[1] = uint8(m.Code)
	binary.BigEndian.PutUint16(buf[2:], uint16(m.ID))
	buf = append(buf, m.Token...)

	opts := m.Options
	if !sort.SliceIsSorted(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID }) {
		opts = opts.Clone()
		sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
	}

	var prev OptionID
	for _, opt := range opts {
		if len(opt.Value) > maxOptionExt {
			return nil, ErrOptionTooLong
		}
		delta := int(opt.ID - prev)
		prev = opt.ID

		dn, dext := optionNibble(delta)
		ln, lext := optionNibble(len(opt.Value))
		buf = append(buf, byte(dn<<4|ln))
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, opt.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// optionNibble returns the 4-bit field and extended bytes for v.
func optionNibble(v int) (uint8, []byte) {
	switch {
	case v < ext8Offset:
		return uint8(v), nil
	case v < ext16Offset:
		return nibbleExt8, []byte{byte(v - ext8Offset)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-ext16Offset))
		return nibbleExt16, ext
	}
}

// Decode parses a datagram. A *FormatError is returned for malformed input.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, &FormatError{Reason: "datagram shorter than header"}
	}

	version := data[0] >> 6
	if version != Version {
		return nil, &FormatError{Reason: "unsupported version"}
	}

	fe := &FormatError{
		HeaderValid: true,
		Type:        typeFromWire(data[0] >> 4),
		ID:          binary.BigEndian.Uint16(data[2:]),
	}

	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		fe.Reason = "token length 9-15 is reserved"
		return nil, fe
	}

	m := &Message{
		Type: fe.Type,
		Code: Code(data[1]),
		ID:   int32(fe.ID),
	}
	if m.Code.isReserved() {
		fe.Reason = "reserved code class"
		return nil, fe
	}

	if m.Code.IsEmpty() {
		if tkl != 0 || len(data) != HeaderSize {
			fe.Reason = "empty message with trailing bytes"
			return nil, fe
		}
		m.Token = []byte{}
		return m, nil
	}

	offset := HeaderSize
	if len(data) < offset+tkl {
		fe.Reason = "truncated token"
		return nil, fe
	}
	m.Token = append([]byte{}, data[offset:offset+tkl]...)
	offset += tkl

	var id int
	for offset < len(data) {
		if data[offset] == PayloadMarker {
			offset++
			if offset == len(data) {
				fe.Reason = "payload marker without payload"
				return nil, fe
			}
			m.Payload = append([]byte{}, data[offset:]...)
			return m, nil
		}

		dn := int(data[offset] >> 4)
		ln := int(data[offset] & 0x0f)
		offset++

		delta, n, ok := readNibble(dn, data[offset:])
		if !ok {
			fe.Reason = "invalid option delta"
			return nil, fe
		}
		offset += n

		length, n, ok := readNibble(ln, data[offset:])
		if !ok {
			fe.Reason = "invalid option length"
			return nil, fe
		}
		offset += n

		id += delta
		if id > 0xffff {
			fe.Reason = "option number out of range"
			return nil, fe
		}
		if len(data)-offset < length {
			fe.Reason = "truncated option value"
			return nil, fe
		}
		value := append([]byte{}, data[offset:offset+length]...)
		offset += length
		m.Options = append(m.Options, Option{ID: OptionID(id), Value: value})
	}
	return m, nil
}

// readNibble expands a delta or length nibble using the bytes that follow.
// It returns the value and the number of extended bytes consumed.
func readNibble(nibble int, rest []byte) (int, int, bool) {
	switch nibble {
	case nibbleExt8:
		if len(rest) < 1 {
			return 0, 0, false
		}
		return int(rest[0]) + ext8Offset, 1, true
	case nibbleExt16:
		if len(rest) < 2 {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint16(rest)) + ext16Offset, 2, true
	case nibbleReserved:
		return 0, 0, false
	default:
		return nibble, 0, true
	}
}
