package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// subscriberBuffer is the channel depth for each subscriber. Signaling
// traffic for a two-party call is tiny; the buffer only absorbs bursts of
// trickled candidates.
const subscriberBuffer = 64

// MemoryTransport is an in-process signaling hub.
//
// It is the transport used by tests and single-process deployments: every
// identity may have any number of subscribers (one per device instance), and
// messages sent to an identity with no subscriber are parked until one
// appears or the staleness window expires. This mirrors the delivery
// semantics of the hosted signaling channel closely enough that the state
// machine cannot tell them apart.
type MemoryTransport struct {
	mu      sync.Mutex
	subs    map[string][]*memorySub
	pending map[string][]Message
	closed  bool

	// now is replaceable for deterministic staleness tests.
	now func() time.Time
}

type memorySub struct {
	identity string
	ch       chan Message
}

// NewMemoryTransport creates an empty in-process signaling hub.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:    make(map[string][]*memorySub),
		pending: make(map[string][]Message),
		now:     time.Now,
	}
}

// Send delivers msg to every current subscriber of the receiver identity,
// or parks it for later delivery if none is subscribed.
func (t *MemoryTransport) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %v", ErrDelivery, ErrTransportClosed)
	}
	if msg.Stale(t.now()) {
		// Expired before it could be handed over; drop per transport policy.
		logrus.WithFields(logrus.Fields{
			"type":     msg.Type,
			"sender":   msg.SenderID,
			"receiver": msg.ReceiverID,
		}).Debug("Dropping stale signal message on send")
		return nil
	}

	subs := t.subs[msg.ReceiverID]
	if len(subs) == 0 {
		t.pending[msg.ReceiverID] = append(t.pending[msg.ReceiverID], msg)
		return nil
	}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber is not draining; park instead of blocking the
			// sender. At-least-once still holds via the pending queue.
			t.pending[msg.ReceiverID] = append(t.pending[msg.ReceiverID], msg)
		}
	}
	return nil
}

// Subscribe registers a stream for selfID and replays any parked messages
// that are still within the staleness window.
func (t *MemoryTransport) Subscribe(ctx context.Context, selfID string) (<-chan Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}

	sub := &memorySub{identity: selfID, ch: make(chan Message, subscriberBuffer)}
	t.subs[selfID] = append(t.subs[selfID], sub)

	backlog := t.pending[selfID]
	delete(t.pending, selfID)
	now := t.now()
	delivered := 0
	for _, msg := range backlog {
		if msg.Stale(now) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}
	t.mu.Unlock()

	if len(backlog) > 0 {
		logrus.WithFields(logrus.Fields{
			"identity":  selfID,
			"parked":    len(backlog),
			"delivered": delivered,
		}).Debug("Replayed parked signal messages to new subscriber")
	}

	go func() {
		<-ctx.Done()
		t.unsubscribe(sub)
	}()

	return sub.ch, nil
}

func (t *MemoryTransport) unsubscribe(target *memorySub) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[target.identity]
	for i, sub := range subs {
		if sub == target {
			t.subs[target.identity] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Close shuts the hub down and closes every subscriber stream.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, subs := range t.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	t.subs = make(map[string][]*memorySub)
	t.pending = make(map[string][]Message)
	return nil
}
