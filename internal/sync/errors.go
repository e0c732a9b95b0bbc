package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrLocalStore wraps every failure of the local store.
	ErrLocalStore = errors.New("local store failure")
	// ErrNotFound means the intent names a message that is not stored.
	ErrNotFound = errors.New("message not found")
	// ErrNotAcknowledged means the message has not reached the server yet.
	ErrNotAcknowledged = errors.New("message not acknowledged")
)

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrLocalStore, err)
}
