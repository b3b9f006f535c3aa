package transport_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

func TestHub_SendAndBroadcast(t *testing.T) {
	t.Parallel()
	hub := transport.NewHub()
	a, _ := hub.Join("a", 4)
	b, _ := hub.Join("b", 4)
	c, _ := hub.Join("c", 4)
	defer a.Close()
	defer b.Close()
	defer c.Close()
	ctx := context.Background()

	payload := []byte("hello")
	if err := a.Send(ctx, "b", payload, transport.Reliable); err != nil {
		t.Fatalf("Send: %v", err)
	}
	payload[0] = 'X' // the hub must have copied
	m := <-b.Receive()
	if m.From != "a" || string(m.Data) != "hello" {
		t.Errorf("b got %+v", m)
	}

	if err := a.Broadcast(ctx, []byte("all"), transport.Reliable); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, ep := range []*transport.Endpoint{b, c} {
		if m := <-ep.Receive(); string(m.Data) != "all" {
			t.Errorf("%s got %q", ep.LocalID(), m.Data)
		}
	}
	select {
	case m := <-a.Receive():
		t.Errorf("broadcaster received its own message %+v", m)
	default:
	}

	if err := a.Send(ctx, "nobody", nil, transport.Reliable); !errors.Is(err, transport.ErrUnknownPeer) {
		t.Errorf("Send to unknown = %v, want ErrUnknownPeer", err)
	}
	if _, err := hub.Join("a", 0); err == nil {
		t.Error("duplicate Join succeeded")
	}
	peers := a.Peers()
	slices.Sort(peers)
	if !slices.Equal(peers, []string{"b", "c"}) {
		t.Errorf("Peers = %v", peers)
	}
}

func TestHub_UnreliableDropsWhenFull(t *testing.T) {
	t.Parallel()
	hub := transport.NewHub()
	a, _ := hub.Join("a", 0)
	b, _ := hub.Join("b", 2)
	defer a.Close()
	defer b.Close()

	for range 5 {
		if err := a.Send(context.Background(), "b", []byte{1}, transport.Unreliable); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if n := len(b.Receive()); n != 2 {
		t.Errorf("queued = %d, want 2", n)
	}

	// A reliable send blocks until the context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Send(ctx, "b", []byte{2}, transport.Reliable); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("reliable send to full queue = %v, want deadline exceeded", err)
	}
}

func TestHub_MembershipAndClose(t *testing.T) {
	t.Parallel()
	hub := transport.NewHub()
	a, _ := hub.Join("a", 0)

	var (
		mu     sync.Mutex
		events []string
	)
	unsub := a.OnPeer(func(id string, joined bool) {
		mu.Lock()
		defer mu.Unlock()
		if joined {
			events = append(events, "+"+id)
		} else {
			events = append(events, "-"+id)
		}
	})

	b, _ := hub.Join("b", 0)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-b.Receive(); ok {
		t.Error("Receive channel still open after Close")
	}
	if err := b.Send(context.Background(), "a", nil, transport.Reliable); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}

	unsub()
	c, _ := hub.Join("c", 0)
	defer c.Close()
	_ = a.Close()

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(events, []string{"+b", "-b"}) {
		t.Errorf("events = %v, want [+b -b]", events)
	}
}
