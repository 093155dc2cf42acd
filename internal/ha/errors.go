package ha

import "errors"

var (
	// ErrNotConnected is returned for requests made while the socket is down
	ErrNotConnected = errors.New("not connected")

	// ErrEntityNotFound is returned when HA has no state for an entity
	ErrEntityNotFound = errors.New("entity not found")
)
