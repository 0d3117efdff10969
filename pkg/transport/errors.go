package transport

import "errors"

// ErrConnectionNotFound is returned for sends targeting a connection that
// has already been removed.
var ErrConnectionNotFound = errors.New("connection not found")
