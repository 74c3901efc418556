package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrWantRead and ErrWantWrite are returned by a RecordLayer when the
	// transport would block.
	ErrWantRead  = errors.New("handshake: want read")
	ErrWantWrite = errors.New("handshake: want write")

	ErrNoRecordLayer           = errors.New("handshake: conn has no record layer")
	ErrRenegotiationNotAllowed = errors.New("handshake: secure renegotiation not negotiated")
	ErrNotEstablished          = errors.New("handshake: handshake not complete")
	ErrUnexpectedMilestone     = errors.New("handshake: milestone does not belong to peer role")
	ErrNoSession               = errors.New("handshake: no session to resume")
	ErrWrongRole               = errors.New("handshake: operation not valid for role")
)

// FatalError reports a record layer failure and the state it happened in.
// Err is the record layer error, unchanged.
type FatalError struct {
	Role  Role
	State string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("handshake: %s failed in %s: %v", e.Role, e.State, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func transient(err error) bool {
	return errors.Is(err, ErrWantRead) || errors.Is(err, ErrWantWrite)
}
