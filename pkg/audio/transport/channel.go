package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed [Channel].
var ErrClosed = errors.New("transport: channel closed")

// ErrUnknownPeer is returned by [Channel.Send] when the destination is not
// connected.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Reliability selects the delivery guarantee of a send.
type Reliability int

const (
	// Unreliable messages may be dropped when the receiver falls behind.
	// Audio fragments are sent this way.
	Unreliable Reliability = iota

	// Reliable messages are delivered in order or the send fails. Control
	// messages are sent this way.
	Reliable
)

// String returns "unreliable" or "reliable".
func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// Message is one received payload and the id of the peer that sent it.
type Message struct {
	From string
	Data []byte
}

// Channel is a message link between the local participant and its peers.
//
// Implementations must be safe for concurrent use. The channel returned by
// Receive is closed when the Channel is closed.
type Channel interface {
	// LocalID returns the participant id of this end.
	LocalID() string

	// Send delivers msg to peer to.
	Send(ctx context.Context, to string, msg []byte, rel Reliability) error

	// Broadcast delivers msg to every connected peer except the local one.
	Broadcast(ctx context.Context, msg []byte, rel Reliability) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan Message

	// Close disconnects. It is idempotent.
	Close() error
}

// Membership is implemented by channels that know when peers connect and
// disconnect. The relay uses it to track observers.
type Membership interface {
	// Peers returns the currently connected peer ids, excluding the local one.
	Peers() []string

	// OnPeer registers fn for joins (joined == true) and leaves and returns a
	// function that removes it.
	OnPeer(fn func(id string, joined bool)) (unsubscribe func())
}

// DefaultQueueLen is the receive queue length of in-memory endpoints.
const DefaultQueueLen = 256

// Hub is an in-memory switchboard. Every endpoint joined to a hub can reach
// every other one; unreliable sends are dropped when the receiver's queue is
// full, reliable sends block until there is room.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	peerFns   map[int]func(id string, joined bool)
	nextFn    int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		peerFns:   make(map[int]func(string, bool)),
	}
}

// Join connects a new endpoint with participant id. queueLen <= 0 selects
// [DefaultQueueLen].
func (h *Hub) Join(id string, queueLen int) (*Endpoint, error) {
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	h.mu.Lock()
	if _, ok := h.endpoints[id]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("transport: hub: participant %q already joined", id)
	}
	e := &Endpoint{
		hub:  h,
		id:   id,
		in:   make(chan Message, queueLen),
		done: make(chan struct{}),
	}
	h.endpoints[id] = e
	fns := h.peerFnsLocked()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(id, true)
	}
	return e, nil
}

func (h *Hub) peerFnsLocked() []func(string, bool) {
	fns := make([]func(string, bool), 0, len(h.peerFns))
	for _, fn := range h.peerFns {
		fns = append(fns, fn)
	}
	return fns
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if h.endpoints[e.id] != e {
		h.mu.Unlock()
		return
	}
	delete(h.endpoints, e.id)
	fns := h.peerFnsLocked()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(e.id, false)
	}
}

func (h *Hub) lookup(id string) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endpoints[id]
}

func (h *Hub) others(id string) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Endpoint, 0, len(h.endpoints))
	for pid, e := range h.endpoints {
		if pid != id {
			out = append(out, e)
		}
	}
	return out
}

// Endpoint is one participant's end of a [Hub]. It implements [Channel] and
// [Membership].
type Endpoint struct {
	hub *Hub
	id  string
	in  chan Message

	// mu guards sends into in against close.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

var (
	_ Channel    = (*Endpoint)(nil)
	_ Membership = (*Endpoint)(nil)
)

// LocalID implements [Channel].
func (e *Endpoint) LocalID() string { return e.id }

// Receive implements [Channel].
func (e *Endpoint) Receive() <-chan Message { return e.in }

// Send implements [Channel].
func (e *Endpoint) Send(ctx context.Context, to string, msg []byte, rel Reliability) error {
	if e.isClosed() {
		return ErrClosed
	}
	dst := e.hub.lookup(to)
	if dst == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, to)
	}
	return dst.deliver(ctx, Message{From: e.id, Data: clone(msg)}, rel)
}

// Broadcast implements [Channel].
func (e *Endpoint) Broadcast(ctx context.Context, msg []byte, rel Reliability) error {
	if e.isClosed() {
		return ErrClosed
	}
	var errs []error
	for _, dst := range e.hub.others(e.id) {
		if err := dst.deliver(ctx, Message{From: e.id, Data: clone(msg)}, rel); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Peers implements [Membership].
func (e *Endpoint) Peers() []string {
	others := e.hub.others(e.id)
	ids := make([]string, len(others))
	for i, o := range others {
		ids[i] = o.id
	}
	return ids
}

// OnPeer implements [Membership]. Callbacks for the endpoint's own join and
// leave are suppressed.
func (e *Endpoint) OnPeer(fn func(id string, joined bool)) func() {
	h := e.hub
	h.mu.Lock()
	key := h.nextFn
	h.nextFn++
	h.peerFns[key] = func(id string, joined bool) {
		if id != e.id {
			fn(id, joined)
		}
	}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.peerFns, key)
		h.mu.Unlock()
	}
}

// Close implements [Channel].
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e)
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.in)
		e.mu.Unlock()
	})
	return nil
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Endpoint) deliver(ctx context.Context, m Message, rel Reliability) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if rel == Unreliable {
		select {
		case e.in <- m:
		default:
		}
		return nil
	}
	select {
	case e.in <- m:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
