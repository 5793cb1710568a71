package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrTimedOut is the failure reason of an exchange whose confirmable
	// message exhausted its retransmissions.
	ErrTimedOut = errors.New("exchange: timed out")

	// ErrRejected is the failure reason of an exchange whose message was
	// answered with a reset.
	ErrRejected = errors.New("exchange: rejected by peer")

	// ErrCanceled is the failure reason of an exchange canceled locally.
	ErrCanceled = errors.New("exchange: canceled")

	// ErrBlockSequence is the failure reason of an exchange that received a
	// response block out of order.
	ErrBlockSequence = errors.New("exchange: block out of sequence")

	// ErrKeyInUse is returned when a matching key is already bound to another
	// live exchange.
	ErrKeyInUse = errors.New("exchange: key already in use")

	// ErrExchangeComplete is returned when registering a completed exchange.
	ErrExchangeComplete = errors.New("exchange: exchange is complete")

	// ErrTokenExhausted is returned when no unused token could be found.
	ErrTokenExhausted = errors.New("exchange: no free token")

	// ErrInvalidMessage is returned for messages the matcher cannot process.
	ErrInvalidMessage = errors.New("exchange: invalid message")
)
