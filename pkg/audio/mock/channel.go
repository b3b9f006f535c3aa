package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// ─── Channel ──────────────────────────────────────────────────────────────────

// SendCall records the arguments of a single [Channel.Send] or
// [Channel.Broadcast] invocation. To is empty for broadcasts.
type SendCall struct {
	To          string
	Data        []byte
	Reliability transport.Reliability
}

// Channel is a mock implementation of [transport.Channel]. Sent messages are
// recorded; incoming messages are injected with [Channel.Inject].
type Channel struct {
	// ID is returned by LocalID.
	ID string

	// SendError is returned by Send and Broadcast.
	SendError error

	mu     sync.Mutex
	in     chan transport.Message
	sends  []SendCall
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ transport.Channel = (*Channel)(nil)

// NewChannel returns a mock channel with participant id and an inbound queue
// of n messages.
func NewChannel(id string, n int) *Channel {
	return &Channel{ID: id, in: make(chan transport.Message, n)}
}

// LocalID implements [transport.Channel].
func (c *Channel) LocalID() string { return c.ID }

// Send implements [transport.Channel].
func (c *Channel) Send(_ context.Context, to string, msg []byte, rel transport.Reliability) error {
	return c.record(SendCall{To: to, Data: append([]byte(nil), msg...), Reliability: rel})
}

// Broadcast implements [transport.Channel].
func (c *Channel) Broadcast(_ context.Context, msg []byte, rel transport.Reliability) error {
	return c.record(SendCall{Data: append([]byte(nil), msg...), Reliability: rel})
}

func (c *Channel) record(call SendCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.SendError != nil {
		return c.SendError
	}
	c.sends = append(c.sends, call)
	return nil
}

// Receive implements [transport.Channel].
func (c *Channel) Receive() <-chan transport.Message { return c.in }

// Inject queues msg as if it had arrived from peer from. It blocks when the
// inbound queue is full and panics after Close.
func (c *Channel) Inject(from string, msg []byte) {
	c.in <- transport.Message{From: from, Data: msg}
}

// Sends returns a copy of every recorded send.
func (c *Channel) Sends() []SendCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SendCall, len(c.sends))
	copy(out, c.sends)
	return out
}

// Packets parses every recorded send. Sends that fail to parse are skipped.
func (c *Channel) Packets() []transport.Packet {
	var out []transport.Packet
	for _, s := range c.Sends() {
		if p, err := transport.ParsePacket(s.Data); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Reset clears the recorded sends.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.sends = nil
	c.mu.Unlock()
}

// Close implements [transport.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

// ─── Link ─────────────────────────────────────────────────────────────────────

// Link is a [Channel] with a relay peer and an observable connection loss,
// shaped like a websocket client.
type Link struct {
	*Channel

	// Server is returned by ServerID.
	Server string

	dropOnce sync.Once
	done     chan struct{}
}

// NewLink returns a mock link for participant id connected to relay server.
func NewLink(id, server string, n int) *Link {
	return &Link{Channel: NewChannel(id, n), Server: server, done: make(chan struct{})}
}

// ServerID returns the relay's participant id.
func (l *Link) ServerID() string { return l.Server }

// Done is closed once the link is dropped or closed.
func (l *Link) Done() <-chan struct{} { return l.done }

// Drop simulates a lost connection.
func (l *Link) Drop() {
	l.dropOnce.Do(func() { close(l.done) })
}

// Close drops the link and closes the underlying channel.
func (l *Link) Close() error {
	l.Drop()
	return l.Channel.Close()
}
