// Package message implements the CoAP message model and its RFC 7252 wire format.
//
// The package provides:
//   - Message types, codes and option numbers
//   - An ordered, multi-valued option set
//   - Block1/Block2 option values (RFC 7959)
//   - Datagram encoding and decoding
package message

import "fmt"

// Type is the message type carried in the 2-bit T field of the header.
//
// The zero value Unspecified is never put on the wire. It lets callers leave
// the choice of type to the reliability layer.
type Type uint8

const (
	// Unspecified means the type has not been chosen yet.
	Unspecified Type = iota
	// Confirmable messages require an acknowledgement.
	Confirmable
	// NonConfirmable messages do not require an acknowledgement.
	NonConfirmable
	// Acknowledgement acknowledges a confirmable message.
	Acknowledgement
	// Reset indicates a message was received but could not be processed.
	Reset
)

// String returns the protocol abbreviation for the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unspecified"
	}
}

// IsValid returns true if the type can be encoded.
func (t Type) IsValid() bool {
	return t >= Confirmable && t <= Reset
}

// wire returns the 2-bit header value.
func (t Type) wire() uint8 {
	return uint8(t) - 1
}

func typeFromWire(v uint8) Type {
	return Type(v&0x03) + 1
}

// Code is the 8-bit message code, a 3-bit class and a 5-bit detail.
type Code uint8

// NewCode builds a code from its class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Request methods (RFC 7252 Section 12.1.1, RFC 8132).
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response codes (RFC 7252 Section 12.1.2, RFC 7959).
const (
	Created                 Code = 2<<5 | 1
	Deleted                 Code = 2<<5 | 2
	Valid                   Code = 2<<5 | 3
	Changed                 Code = 2<<5 | 4
	Content                 Code = 2<<5 | 5
	Continue                Code = 2<<5 | 31
	BadRequest              Code = 4<<5 | 0
	Unauthorized            Code = 4<<5 | 1
	BadOption               Code = 4<<5 | 2
	Forbidden               Code = 4<<5 | 3
	NotFound                Code = 4<<5 | 4
	MethodNotAllowed        Code = 4<<5 | 5
	NotAcceptable           Code = 4<<5 | 6
	RequestEntityIncomplete Code = 4<<5 | 8
	PreconditionFailed      Code = 4<<5 | 12
	RequestEntityTooLarge   Code = 4<<5 | 13
	UnsupportedMediaType    Code = 4<<5 | 15
	InternalServerError     Code = 5<<5 | 0
	NotImplemented          Code = 5<<5 | 1
	BadGateway              Code = 5<<5 | 2
	ServiceUnavailable      Code = 5<<5 | 3
	GatewayTimeout          Code = 5<<5 | 4
	ProxyingNotSupported    Code = 5<<5 | 5
)

// Class returns the 3-bit class.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsEmpty returns true for code 0.00.
func (c Code) IsEmpty() bool {
	return c == Empty
}

// IsRequest returns true for class 0 codes other than 0.00.
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse returns true for classes 2 to 5.
func (c Code) IsResponse() bool {
	class := c.Class()
	return class >= 2 && class <= 5
}

// IsSuccess returns true for class 2 responses.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// IsError returns true for class 4 and 5 responses.
func (c Code) IsError() bool {
	class := c.Class()
	return class == 4 || class == 5
}

// isReserved reports codes in the reserved classes 1, 6 and 7.
func (c Code) isReserved() bool {
	class := c.Class()
	return class == 1 || class == 6 || class == 7
}

var methodNames = map[Code]string{
	GET:    "GET",
	POST:   "POST",
	PUT:    "PUT",
	DELETE: "DELETE",
	FETCH:  "FETCH",
	PATCH:  "PATCH",
	IPATCH: "iPATCH",
}

// String returns the method name for requests and "c.dd" otherwise.
func (c Code) String() string {
	if name, ok := methodNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}
