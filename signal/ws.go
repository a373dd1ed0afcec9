package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Reconnection backoff bounds for the websocket transport. The stream
// promised by Subscribe is restartable: a dropped connection is re-dialed
// and the relay replays anything still inside the staleness window.
const (
	wsInitialBackoff = time.Second
	wsMaxBackoff     = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// WSTransport is a Transport backed by a websocket connection to a signaling
// relay (see the Relay type and cmd/signald). One connection carries both
// directions; the relay fans messages out to every device subscribed for the
// receiver identity.
type WSTransport struct {
	relayURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	selfID string
	closed bool

	now func() time.Time
}

// NewWSTransport creates a websocket transport for the given relay URL
// (e.g. "ws://signal.example.com/ws"). The connection is not dialed until
// Subscribe is called.
func NewWSTransport(relayURL string) *WSTransport {
	return &WSTransport{
		relayURL: relayURL,
		now:      time.Now,
	}
}

// Send writes the message to the relay over the current connection.
func (t *WSTransport) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.now()
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: not connected to relay", ErrDelivery)
	}
	conn.SetWriteDeadline(t.now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

// Subscribe dials the relay and starts a read pump that reconnects with
// exponential backoff until ctx is done. Messages outside the staleness
// window are dropped before they reach the consumer.
func (t *WSTransport) Subscribe(ctx context.Context, selfID string) (<-chan Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.selfID = selfID
	t.mu.Unlock()

	out := make(chan Message, subscriberBuffer)
	go t.pump(ctx, selfID, out)
	return out, nil
}

func (t *WSTransport) pump(ctx context.Context, selfID string, out chan<- Message) {
	defer close(out)

	backoff := wsInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.dial(ctx, selfID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"identity": selfID,
				"error":    err.Error(),
				"backoff":  backoff,
			}).Warn("Signal relay dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
			continue
		}
		backoff = wsInitialBackoff

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		t.readLoop(ctx, conn, selfID, out)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()
	}
}

func (t *WSTransport) dial(ctx context.Context, selfID string) (*websocket.Conn, error) {
	u, err := url.Parse(t.relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("identity", selfID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"identity": selfID,
		"relay":    t.relayURL,
	}).Info("Connected to signal relay")
	return conn, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, selfID string, out chan<- Message) {
	// Unblock ReadJSON when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"identity": selfID,
					"error":    err.Error(),
				}).Warn("Signal relay connection lost")
			}
			return
		}
		if msg.Stale(t.now()) {
			logrus.WithFields(logrus.Fields{
				"identity": selfID,
				"type":     msg.Type,
				"sender":   msg.SenderID,
			}).Debug("Dropping stale signal message from relay")
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down the transport. Any active stream is closed by the
// subscriber context; Close only prevents new subscriptions and drops the
// current connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}
