package signal

import (
	"context"
	"errors"
)

// Sentinel errors for signal transport operations.
var (
	// ErrDelivery indicates the transport could not hand the message to the
	// signaling channel. Delivery is best-effort; callers log and move on.
	ErrDelivery = errors.New("signal delivery failed")

	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("signal transport is closed")
)

// Transport delivers signaling messages between identities.
//
// Implementations provide at-least-once delivery and per-sender ordering.
// They drop messages older than StalenessWindow instead of delivering them;
// staleness is transport policy, not state-machine state.
type Transport interface {
	// Send delivers a message to its receiver identity. A non-nil error
	// wraps ErrDelivery.
	Send(ctx context.Context, msg Message) error

	// Subscribe returns a stream of messages addressed to selfID. The
	// stream is lazy and unbounded; it is closed when ctx is done or the
	// transport shuts down. Subscribing the same identity from multiple
	// devices is allowed and every subscriber receives every message.
	Subscribe(ctx context.Context, selfID string) (<-chan Message, error)
}
