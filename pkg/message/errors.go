package message

import (
	"errors"
	"fmt"
)

// Message layer errors.
var (
	// ErrFormat is the root of every decoding failure.
	ErrFormat = errors.New("message: format error")

	// Encoding errors
	ErrInvalidType    = errors.New("message: type not specified")
	ErrTokenTooLong   = errors.New("message: token longer than 8 bytes")
	ErrOptionTooLong  = errors.New("message: option value longer than 65804 bytes")
	ErrMessageTooLong = errors.New("message: exceeds maximum size")
	ErrNoID           = errors.New("message: message ID not assigned")
	ErrEmptyNotEmpty  = errors.New("message: empty message with token, options or payload")

	// Option errors
	ErrInvalidBlock = errors.New("message: invalid block option")
)

// Wire format constants (RFC 7252 Section 3).
const (
	// Version is the only supported protocol version.
	Version uint8 = 1

	// HeaderSize is the fixed header size in bytes.
	HeaderSize = 4

	// MaxTokenLength is the largest token the TKL field may announce.
	MaxTokenLength = 8

	// PayloadMarker separates options from the payload.
	PayloadMarker byte = 0xff

	// MaxUDPMessageSize bounds a single datagram read from the socket.
	MaxUDPMessageSize = 1152

	// NoID marks a message whose ID has not been assigned.
	NoID int32 = -1
)

// FormatError describes a datagram that could not be decoded. When
// HeaderValid is set, Type and ID hold values recovered from the fixed
// header, enough to answer the sender with a reset.
type FormatError struct {
	Reason      string
	HeaderValid bool
	Type        Type
	ID          uint16
}

func (e *FormatError) Error() string {
	if e.HeaderValid {
		return fmt.Sprintf("message: format error in %s %d: %s", e.Type, e.ID, e.Reason)
	}
	return "message: format error: " + e.Reason
}

// Unwrap allows errors.Is(err, ErrFormat).
func (e *FormatError) Unwrap() error {
	return ErrFormat
}
