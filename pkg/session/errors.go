package session

import "errors"

var (
	// ErrInvalidState is returned when an operation is attempted in a
	// lifecycle state that does not permit it, for example negotiating
	// before Initialize has completed.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrAlreadyClosing is returned by Initialize once Close has started.
	ErrAlreadyClosing = errors.New("session: connection is closing")

	// ErrAlreadyInProgress is returned when an operation that must run
	// alone overlaps an identical in-flight one, for example two concurrent
	// SetRemoteDescription calls.
	ErrAlreadyInProgress = errors.New("session: operation already in progress")

	// ErrArgumentOutOfRange is returned for numeric arguments outside their
	// legal range, for example a data channel ID above 65535.
	ErrArgumentOutOfRange = errors.New("session: argument out of range")

	// ErrArgumentInvalid is returned for arguments that are malformed or
	// conflict with existing state, for example a duplicate channel ID.
	ErrArgumentInvalid = errors.New("session: invalid argument")

	// ErrNegotiationFailed is returned when the engine rejects an SDP
	// exchange step.
	ErrNegotiationFailed = errors.New("session: negotiation failed")

	// ErrInitializationFailed is returned when the engine cannot create the
	// underlying connection.
	ErrInitializationFailed = errors.New("session: initialization failed")

	// ErrOperationCancelled is returned when an in-flight operation is
	// abandoned because its context was cancelled or the connection closed
	// underneath it.
	ErrOperationCancelled = errors.New("session: operation cancelled")

	// ErrNotNegotiated is returned by AddDataChannel when the applied remote
	// description did not negotiate an SCTP association.
	ErrNotNegotiated = errors.New("session: sctp not negotiated by remote description")
)
