package model

import "errors"

var (
	// ErrConnectionRejected is returned when a connection attempt carries no
	// parseable device or workstation identity in its URL path.
	ErrConnectionRejected = errors.New("connection rejected: missing identity")

	// ErrTabletNotConnected is returned when a signature is requested on a
	// tablet that has no live registry entry.
	ErrTabletNotConnected = errors.New("tablet not connected")

	// ErrSessionNotFound is returned when a signature session is not found.
	ErrSessionNotFound = errors.New("signature session not found")

	// ErrSessionExpired is returned when a submission arrives after the
	// session's expiry deadline.
	ErrSessionExpired = errors.New("signature session expired")

	// ErrSessionTerminal is returned when an operation targets a session
	// already in a terminal state.
	ErrSessionTerminal = errors.New("signature session already finalized")

	// ErrInvalidTransition is returned when a status change is not on the
	// session transition graph.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrSessionTabletMismatch is returned when a submission comes from a
	// tablet other than the one the session was dispatched to.
	ErrSessionTabletMismatch = errors.New("submission tablet does not match session")

	// ErrDeviceNotFound is returned when a device is not in the directory.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTargetRequired is returned when a signature request is missing the
	// tablet or workstation identity.
	ErrTargetRequired = errors.New("tablet and workstation ids are required")
)
