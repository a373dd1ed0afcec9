package call

import "errors"

// Sentinel errors for call session operations.
var (
	// ErrCallInProgress indicates StartCall was invoked while a session
	// already exists.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrNoActiveCall indicates an operation that needs a session found
	// none.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoIncomingCall indicates accept or reject found no pending
	// incoming call.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrCallAborted indicates the call state changed while media was
	// being acquired and the operation was cancelled.
	ErrCallAborted = errors.New("call aborted during media acquisition")

	// ErrAlreadyRunning indicates Run was invoked twice.
	ErrAlreadyRunning = errors.New("call manager already running")
)
