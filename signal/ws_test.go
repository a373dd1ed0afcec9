package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()

	relay := NewRelay()
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})

	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSTransportRoundTrip(t *testing.T) {
	_, wsURL := startTestRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := NewWSTransport(wsURL)
	defer alice.Close()
	bob := NewWSTransport(wsURL)
	defer bob.Close()

	if _, err := alice.Subscribe(ctx, "alice"); err != nil {
		t.Fatalf("alice Subscribe failed: %v", err)
	}
	bobInbox, err := bob.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("bob Subscribe failed: %v", err)
	}

	// Connections dial asynchronously; wait for alice's sender side.
	deadline := time.After(5 * time.Second)
	for {
		err := alice.Send(ctx, newTestMessage(TypeEnd, "alice", "bob"))
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("alice never connected to relay: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}

	select {
	case msg := <-bobInbox:
		if msg.Type != TypeEnd {
			t.Errorf("Unexpected message type %q", msg.Type)
		}
		if msg.SenderID != "alice" {
			t.Errorf("Relay should stamp sender identity, got %q", msg.SenderID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Message never arrived at bob")
	}
}

func TestWSTransportFansOutToSiblingDevices(t *testing.T) {
	_, wsURL := startTestRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewWSTransport(wsURL)
	defer sender.Close()
	deviceX := NewWSTransport(wsURL)
	defer deviceX.Close()
	deviceY := NewWSTransport(wsURL)
	defer deviceY.Close()

	if _, err := sender.Subscribe(ctx, "alice"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	inboxX, err := deviceX.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	inboxY, err := deviceY.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if err := sender.Send(ctx, newTestMessage(TypeBusy, "alice", "bob")); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sender never connected to relay")
		case <-time.After(20 * time.Millisecond):
		}
	}

	for name, inbox := range map[string]<-chan Message{"X": inboxX, "Y": inboxY} {
		select {
		case msg := <-inbox:
			if msg.Type != TypeBusy {
				t.Errorf("Device %s got unexpected message: %+v", name, msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Device %s never received the fanned-out message", name)
		}
	}
}
