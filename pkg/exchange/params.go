package exchange

import "time"

// Protocol constants from RFC 7252 Section 4.8 and RFC 7641 Section 3.4.
const (
	// DefaultTokenLength is the length of tokens allocated by the matcher.
	DefaultTokenLength = 4

	// ObserveSequenceModulus bounds the 24-bit Observe sequence number.
	ObserveSequenceModulus = 1 << 24

	// ObserveFreshnessWindow is the half-range used to compare sequence
	// numbers (2^23).
	ObserveFreshnessWindow = 1 << 23

	// ObserveStaleAfter is the age after which any notification is treated
	// as newer regardless of its sequence number.
	ObserveStaleAfter = 128 * time.Second

	// maxTokenAttempts bounds the search for an unused token.
	maxTokenAttempts = 64
)
