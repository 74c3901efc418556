package sessionstore

import "errors"

var (
	ErrInvalidConfig        = errors.New("sessionstore: invalid config")
	ErrLockTimeout          = errors.New("sessionstore: lock acquisition failed")
	ErrTicketAlloc          = errors.New("sessionstore: ticket allocation failed")
	ErrRecordChanged        = errors.New("sessionstore: record changed during copy")
	ErrIncompatibleSnapshot = errors.New("sessionstore: incompatible snapshot")
	ErrCorruptSnapshot      = errors.New("sessionstore: corrupt snapshot")
	ErrSnapshotBusy         = errors.New("sessionstore: store kept changing during snapshot")
)
