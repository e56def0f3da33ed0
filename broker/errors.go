package broker

import (
	"errors"
	"fmt"
)

var ErrNotInitialized = errors.New("terminal not initialized")

// Error is a failed backend call, carrying the backend's last error code.
type Error struct {
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: [%d] %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}
