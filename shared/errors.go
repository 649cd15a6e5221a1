package shared

import (
	"errors"
)

// ErrInvalidTransition indicates an illegal state machine transition was
// requested. It signals a programmer error, the engine aborts on it.
var ErrInvalidTransition = errors.New("invalid state transition")
