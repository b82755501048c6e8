package protocol

import "errors"

// ErrMalformedFrame is returned when a frame cannot be parsed, or when a
// Big-wrapped argument's reassembled bytes are rejected by the inner
// argument's decoder. The caller must drop the connection.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrArgumentTypeMismatch is returned when an encoder is handed an object
// that is not of the class it was built to serialize. The caller must
// treat this as a programmer error and drop the connection.
var ErrArgumentTypeMismatch = errors.New("protocol: argument type mismatch")

// ErrVersionMismatch is returned by an agent when the control service
// reports a major version it does not support. Fatal to the agent.
var ErrVersionMismatch = errors.New("protocol: version mismatch")

// ErrUnknownCommand is returned when a box names a command the locator has
// no handler for.
var ErrUnknownCommand = errors.New("protocol: unknown command")
