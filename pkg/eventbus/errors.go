package eventbus

import "errors"

var (
	// ErrNoMessages names an empty read. Nothing in this package returns it:
	// ReadGroup itself returns (nil, nil) for the empty case.
	ErrNoMessages = errors.New("eventbus: no messages available")

	// ErrGroupExists is never returned directly: EnsureGroup swallows
	// BUSYGROUP and reports success.
	ErrGroupExists = errors.New("eventbus: consumer group already exists")
)
