// Package exchange implements CoAP exchange tracking and message matching.
//
// The exchange layer sits between the transport (pkg/transport) and the
// protocol stack (pkg/stack). It provides:
//
//   - Exchange: the state of one request and its response(s)
//   - Matcher: correlation of inbound messages with exchanges by message ID,
//     token and request URI
//   - Deduplicator: detection of retransmitted datagrams within the exchange
//     lifetime
//   - ObserveRelation: server side notification state for RFC 7641
//
// An Exchange is created either locally, when the application sends a request,
// or remotely, when the Matcher sees a fresh request from a peer. It is never
// reused after it completes.
package exchange

// Origin indicates which side created an exchange.
type Origin int

const (
	// OriginUnknown indicates an uninitialized origin.
	OriginUnknown Origin = iota

	// OriginLocal marks exchanges started by a request sent from this
	// endpoint. The peer sends the response.
	OriginLocal

	// OriginRemote marks exchanges started by a request received from a
	// peer. This endpoint sends the response.
	OriginRemote
)

// String returns a human-readable name for the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "Local"
	case OriginRemote:
		return "Remote"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the origin is a defined value.
func (o Origin) IsValid() bool {
	return o == OriginLocal || o == OriginRemote
}

// DeduplicatorKind selects a deduplication strategy.
type DeduplicatorKind string

const (
	// DeduplicatorMarkAndSweep evicts entries older than the exchange
	// lifetime on a periodic sweep.
	DeduplicatorMarkAndSweep DeduplicatorKind = "mark-and-sweep"

	// DeduplicatorCropRotation drops whole rotating generations at once.
	DeduplicatorCropRotation DeduplicatorKind = "crop-rotation"

	// DeduplicatorNoop never reports duplicates.
	DeduplicatorNoop DeduplicatorKind = "noop"
)

// IsValid returns true if the kind is a known strategy.
func (k DeduplicatorKind) IsValid() bool {
	switch k {
	case DeduplicatorMarkAndSweep, DeduplicatorCropRotation, DeduplicatorNoop:
		return true
	default:
		return false
	}
}
