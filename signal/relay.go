package signal

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay authenticates at a reverse proxy in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay is the server half of WSTransport: a websocket hub that routes
// signaling messages to every connected device of the receiver identity and
// parks messages for identities that are momentarily offline.
//
// Parked messages are swept once they exceed the staleness window, which is
// what prevents "ghost" calls from ringing after a reconnect.
type Relay struct {
	mu      sync.Mutex
	conns   map[string][]*relayConn
	pending map[string][]Message

	sweepOnce sync.Once
	quit      chan struct{}

	now func() time.Time
}

type relayConn struct {
	identity string
	conn     *websocket.Conn
	send     chan Message
}

// NewRelay creates an empty relay hub.
func NewRelay() *Relay {
	return &Relay{
		conns:   make(map[string][]*relayConn),
		pending: make(map[string][]Message),
		quit:    make(chan struct{}),
		now:     time.Now,
	}
}

// Handler returns the websocket endpoint. Clients connect with
// GET <path>?identity=<userID>.
func (r *Relay) Handler() http.HandlerFunc {
	r.sweepOnce.Do(func() { go r.sweepLoop() })

	return func(w http.ResponseWriter, req *http.Request) {
		identity := req.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "missing identity", http.StatusBadRequest)
			return
		}

		ws, err := relayUpgrader.Upgrade(w, req, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"identity": identity,
				"error":    err.Error(),
			}).Error("Websocket upgrade failed")
			return
		}

		c := &relayConn{
			identity: identity,
			conn:     ws,
			send:     make(chan Message, subscriberBuffer),
		}
		r.register(c)
		go c.writeLoop()
		r.readLoop(c)
	}
}

func (r *Relay) register(c *relayConn) {
	r.mu.Lock()
	r.conns[c.identity] = append(r.conns[c.identity], c)

	backlog := r.pending[c.identity]
	delete(r.pending, c.identity)
	now := r.now()
	for _, msg := range backlog {
		if msg.Stale(now) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"identity": c.identity,
		"replayed": len(backlog),
	}).Info("Signal client connected")
}

func (r *Relay) unregister(target *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.conns[target.identity]
	for i, c := range conns {
		if c == target {
			r.conns[target.identity] = append(conns[:i], conns[i+1:]...)
			close(c.send)
			return
		}
	}
}

func (r *Relay) readLoop(c *relayConn) {
	defer func() {
		r.unregister(c)
		c.conn.Close()
		logrus.WithField("identity", c.identity).Info("Signal client disconnected")
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := msg.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"identity": c.identity,
				"error":    err.Error(),
			}).Warn("Rejecting malformed signal message")
			continue
		}
		// Trust the socket's identity over whatever the payload claims.
		msg.SenderID = c.identity
		if msg.Timestamp.IsZero() {
			msg.Timestamp = r.now()
		}
		r.route(msg)
	}
}

// route delivers to every device of the receiver, parking the message when
// the receiver has no connection.
func (r *Relay) route(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Stale(r.now()) {
		return
	}
	conns := r.conns[msg.ReceiverID]
	if len(conns) == 0 {
		r.pending[msg.ReceiverID] = append(r.pending[msg.ReceiverID], msg)
		return
	}
	for _, c := range conns {
		select {
		case c.send <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"identity": c.identity,
				"type":     msg.Type,
			}).Warn("Slow signal client, dropping message for this device")
		}
	}
}

func (c *relayConn) writeLoop() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.conn.Close()
			return
		}
	}
}

// sweepLoop drops parked messages that fell out of the staleness window.
func (r *Relay) sweepLoop() {
	ticker := time.NewTicker(StalenessWindow / 4)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.mu.Lock()
			now := r.now()
			for identity, msgs := range r.pending {
				kept := msgs[:0]
				for _, msg := range msgs {
					if !msg.Stale(now) {
						kept = append(kept, msg)
					}
				}
				if len(kept) == 0 {
					delete(r.pending, identity)
				} else {
					r.pending[identity] = kept
				}
			}
			r.mu.Unlock()
		}
	}
}

// Close stops the sweep loop and disconnects every client.
func (r *Relay) Close() error {
	close(r.quit)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Closing the sockets unwinds each readLoop, which unregisters the
	// connection and closes its send channel.
	for _, conns := range r.conns {
		for _, c := range conns {
			c.conn.Close()
		}
	}
	r.pending = make(map[string][]Message)
	return nil
}
