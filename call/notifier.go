package call

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/loqui-im/callkit/signal"
)

// Notifier is the push-delivery collaborator invoked when an outgoing call
// is placed, so the callee's devices can wake up even when the signaling
// channel is dormant. Delivery mechanics live outside this module.
type Notifier interface {
	CallPlaced(ctx context.Context, calleeID string, kind signal.CallKind) error
}

// LogNotifier is the default Notifier; it only logs.
type LogNotifier struct{}

// CallPlaced logs the outgoing call.
func (LogNotifier) CallPlaced(ctx context.Context, calleeID string, kind signal.CallKind) error {
	logrus.WithFields(logrus.Fields{
		"callee": calleeID,
		"kind":   string(kind),
	}).Debug("Call placed, push notification skipped")
	return nil
}
