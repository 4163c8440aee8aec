package country

import "errors"

var (
	// ErrNotFound is returned by stores when no record exists for a key.
	ErrNotFound = errors.New("not found")
	// ErrCountryNotFound is returned when a code or name is absent from the catalog.
	ErrCountryNotFound = errors.New("country not found")
	// ErrUnknownRequestType is returned for request type names outside the catalog.
	ErrUnknownRequestType = errors.New("unknown request type")
	// ErrSessionClosed is returned by a Session used after Close.
	ErrSessionClosed = errors.New("session closed")
)
