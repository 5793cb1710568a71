package message

import (
	"bytes"
	"fmt"
	"strings"
)

// DefaultMaxAge is the Max-Age assumed when the option is absent (seconds).
const DefaultMaxAge = 60

// Content-Format values (RFC 7252 Section 12.3).
const (
	TextPlain     uint16 = 0
	AppLinkFormat uint16 = 40
	AppOctets     uint16 = 42
	AppJSON       uint16 = 50
	AppCBOR       uint16 = 60
)

// Message is a CoAP request, response or empty message.
//
// A nil Token on an outgoing request asks the matcher to allocate one. An ID
// of NoID asks the matcher to assign the next message ID.
type Message struct {
	Type    Type
	Code    Code
	ID      int32
	Token   []byte
	Options Options
	Payload []byte

	// Duplicate is set on inbound messages recognized as retransmissions.
	// It is never encoded.
	Duplicate bool
}

// NewRequest creates a request with an unspecified type, no ID and an
// unallocated token.
func NewRequest(code Code) *Message {
	return &Message{
		Code: code,
		ID:   NoID,
	}
}

// NewResponse creates a response for req with the request's token.
func NewResponse(req *Message, code Code) *Message {
	return &Message{
		Code:  code,
		ID:    NoID,
		Token: append([]byte{}, req.Token...),
	}
}

// NewAck creates an empty acknowledgement for msg.
func NewAck(msg *Message) *Message {
	return &Message{
		Type:  Acknowledgement,
		Code:  Empty,
		ID:    msg.ID,
		Token: []byte{},
	}
}

// NewReset creates an empty reset for msg.
func NewReset(msg *Message) *Message {
	return &Message{
		Type:  Reset,
		Code:  Empty,
		ID:    msg.ID,
		Token: []byte{},
	}
}

// IsRequest reports whether the code is a request method.
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

// IsResponse reports whether the code is a response code.
func (m *Message) IsResponse() bool { return m.Code.IsResponse() }

// IsEmpty reports whether the code is 0.00.
func (m *Message) IsEmpty() bool { return m.Code.IsEmpty() }

// IsConfirmable reports whether the type is CON.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// HasID reports whether an ID has been assigned.
func (m *Message) HasID() bool { return m.ID >= 0 }

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Token != nil {
		c.Token = append([]byte{}, m.Token...)
	}
	c.Options = m.Options.Clone()
	if m.Payload != nil {
		c.Payload = append([]byte{}, m.Payload...)
	}
	return &c
}

// TokenString returns the token in hex for use in map keys and logs.
func (m *Message) TokenString() string {
	return fmt.Sprintf("%x", m.Token)
}

// URIPath returns the path assembled from Uri-Path options.
func (m *Message) URIPath() string {
	return "/" + strings.Join(m.Options.Strings(URIPath), "/")
}

// SetURIPath replaces the Uri-Path options from a slash separated path.
func (m *Message) SetURIPath(path string) {
	m.Options = m.Options.Remove(URIPath)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			m.Options = m.Options.Add(URIPath, []byte(seg))
		}
	}
}

// URIQuery returns the Uri-Query values.
func (m *Message) URIQuery() []string {
	return m.Options.Strings(URIQuery)
}

// AddURIQuery appends a Uri-Query option.
func (m *Message) AddURIQuery(q string) {
	m.Options = m.Options.Add(URIQuery, []byte(q))
}

// RequestKey identifies the target resource of a request, used to correlate
// blockwise continuations. It includes host, port, path and query.
func (m *Message) RequestKey() string {
	var b strings.Builder
	if host, ok := m.Options.Get(URIHost); ok {
		b.Write(host)
	}
	if port, ok := m.Options.Uint(URIPort); ok {
		fmt.Fprintf(&b, ":%d", port)
	}
	b.WriteString(m.URIPath())
	if q := m.URIQuery(); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(q, "&"))
	}
	return b.String()
}

// Observe returns the Observe option value.
func (m *Message) Observe() (uint32, bool) {
	return m.Options.Uint(Observe)
}

// SetObserve sets the Observe option to the 24-bit value v.
func (m *Message) SetObserve(v uint32) {
	m.Options = m.Options.SetUint(Observe, v&0xffffff)
}

// RemoveObserve drops the Observe option.
func (m *Message) RemoveObserve() {
	m.Options = m.Options.Remove(Observe)
}

// Block1 returns the decoded Block1 option. The error is non-nil when the
// option is present but malformed.
func (m *Message) Block1() (Block, bool, error) {
	return m.block(Block1)
}

// Block2 returns the decoded Block2 option.
func (m *Message) Block2() (Block, bool, error) {
	return m.block(Block2)
}

func (m *Message) block(id OptionID) (Block, bool, error) {
	v, ok := m.Options.Get(id)
	if !ok {
		return Block{}, false, nil
	}
	b, err := ParseBlock(v)
	if err != nil {
		return Block{}, true, err
	}
	return b, true, nil
}

// SetBlock1 sets the Block1 option.
func (m *Message) SetBlock1(b Block) {
	m.Options = m.Options.Set(Block1, b.Encode())
}

// SetBlock2 sets the Block2 option.
func (m *Message) SetBlock2(b Block) {
	m.Options = m.Options.Set(Block2, b.Encode())
}

// HasBlockOption reports whether Block1 or Block2 is present.
func (m *Message) HasBlockOption() bool {
	return m.Options.Has(Block1) || m.Options.Has(Block2)
}

// ContentFormat returns the Content-Format value, or -1 when absent.
func (m *Message) ContentFormat() int {
	v, ok := m.Options.Uint(ContentFormat)
	if !ok {
		return -1
	}
	return int(v)
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(cf uint16) {
	m.Options = m.Options.SetUint(ContentFormat, uint32(cf))
}

// MaxAge returns the Max-Age in seconds, DefaultMaxAge when absent.
func (m *Message) MaxAge() uint32 {
	v, ok := m.Options.Uint(MaxAge)
	if !ok {
		return DefaultMaxAge
	}
	return v
}

// String returns a compact one-line description.
func (m *Message) String() string {
	return fmt.Sprintf("%s-%s MID=%d token=%x opts=%d payload=%d",
		m.Type, m.Code, m.ID, m.Token, len(m.Options), len(m.Payload))
}

// Equal compares every encoded field of two messages.
func (m *Message) Equal(o *Message) bool {
	if m.Type != o.Type || m.Code != o.Code || m.ID != o.ID {
		return false
	}
	if !bytes.Equal(m.Token, o.Token) || !bytes.Equal(m.Payload, o.Payload) {
		return false
	}
	if len(m.Options) != len(o.Options) {
		return false
	}
	for i := range m.Options {
		if m.Options[i].ID != o.Options[i].ID || !bytes.Equal(m.Options[i].Value, o.Options[i].Value) {
			return false
		}
	}
	return true
}
