package signal

import (
	"context"
	"testing"
	"time"
)

func newTestMessage(typ Type, sender, receiver string) Message {
	return Message{
		Type:       typ,
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  time.Now(),
	}
}

func TestMemoryTransportDelivery(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox, err := transport.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := transport.Send(ctx, newTestMessage(TypeEnd, "alice", "bob")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-inbox:
		if msg.Type != TypeEnd || msg.SenderID != "alice" {
			t.Errorf("Unexpected message delivered: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Message was not delivered")
	}
}

func TestMemoryTransportFansOutToAllDevices(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two device instances, one identity.
	deviceX, err := transport.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	deviceY, err := transport.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := transport.Send(ctx, newTestMessage(TypeReject, "alice", "bob")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	for i, inbox := range []<-chan Message{deviceX, deviceY} {
		select {
		case msg := <-inbox:
			if msg.Type != TypeReject {
				t.Errorf("Device %d got unexpected message: %+v", i, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("Device %d did not receive the message", i)
		}
	}
}

func TestMemoryTransportParksForOfflineReceiver(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Send(ctx, newTestMessage(TypeBusy, "alice", "bob")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	inbox, err := transport.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case msg := <-inbox:
		if msg.Type != TypeBusy {
			t.Errorf("Unexpected parked message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Parked message was not replayed on subscribe")
	}
}

func TestMemoryTransportDropsStaleParkedMessages(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()

	base := time.Now()
	transport.now = func() time.Time { return base }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Send(ctx, newTestMessage(TypeEnd, "alice", "bob")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The receiver comes back long after the staleness window: the parked
	// offer must not resurrect a dead call.
	transport.now = func() time.Time { return base.Add(StalenessWindow + time.Minute) }

	inbox, err := transport.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case msg := <-inbox:
		t.Errorf("Stale message should have been dropped, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryTransportClosedSendFails(t *testing.T) {
	transport := NewMemoryTransport()
	transport.Close()

	err := transport.Send(context.Background(), newTestMessage(TypeEnd, "alice", "bob"))
	if err == nil {
		t.Fatal("Send on closed transport should fail")
	}
}
