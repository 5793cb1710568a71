package endpoint

import "errors"

// Endpoint errors.
var (
	// ErrNotStarted is returned when sending on an endpoint that is not
	// running.
	ErrNotStarted = errors.New("endpoint: not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("endpoint: already started")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("endpoint: stopped")

	// ErrNotObservable is returned by Observe when the server answered the
	// registration without establishing a relation.
	ErrNotObservable = errors.New("endpoint: resource not observable")

	// ErrNoRequest is returned for a request message with a non-request code.
	ErrNoRequest = errors.New("endpoint: message is not a request")
)
