package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// Client is a participant's connection to a relay [Server]. Its only peer is
// the server, whose id is reported by [Client.ServerID]; every message it
// receives comes from the server.
type Client struct {
	id       string
	serverID string
	conn     *websocket.Conn
	opts     options

	out  chan []byte
	in   chan transport.Message
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ transport.Channel = (*Client)(nil)

// Dial connects to the relay at rawURL. participant, when not empty, is the
// requested participant id.
func Dial(ctx context.Context, rawURL, participant string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse url: %w", err)
	}
	if participant != "" {
		q := u.Query()
		q.Set(QueryParticipant, participant)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", rawURL, err)
	}
	conn.SetReadLimit(readLimit)

	c := &Client{
		id:       resp.Header.Get(HeaderParticipant),
		serverID: resp.Header.Get(HeaderServer),
		conn:     conn,
		opts:     o,
		out:      make(chan []byte, o.queueLen),
		in:       make(chan transport.Message, o.queueLen),
		done:     make(chan struct{}),
	}
	if c.id == "" || c.serverID == "" {
		conn.Close(websocket.StatusProtocolError, "missing participant headers")
		return nil, errors.New("websocket: relay did not assign a participant id")
	}

	// The connection outlives the dial context.
	loopCtx, cancel := context.WithCancel(context.Background())
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.fail(c.readLoop(loopCtx))
		cancel()
	}()
	go func() {
		defer c.wg.Done()
		c.fail(writeLoop(loopCtx, conn, c.out, c.done, o.writeTimeout))
		cancel()
	}()
	o.logger.Info("websocket: connected to relay", "participant", c.id, "relay", c.serverID)
	return c, nil
}

func (c *Client) readLoop(ctx context.Context) error {
	defer close(c.in)
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case c.in <- transport.Message{From: c.serverID, Data: data}:
		case <-c.done:
			return errShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail records the first error that ended the connection and tears it down.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil && err != nil && !errors.Is(err, errShutdown) {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown(websocket.StatusNormalClosure, "")
}

func (c *Client) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close(code, reason)
	})
}

// LocalID implements [transport.Channel].
func (c *Client) LocalID() string { return c.id }

// ServerID returns the relay's participant id.
func (c *Client) ServerID() string { return c.serverID }

// Receive implements [transport.Channel].
func (c *Client) Receive() <-chan transport.Message { return c.in }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send implements [transport.Channel]. The only reachable peer is the
// relay.
func (c *Client) Send(ctx context.Context, to string, msg []byte, rel transport.Reliability) error {
	if to != c.serverID {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPeer, to)
	}
	return c.Broadcast(ctx, msg, rel)
}

// Broadcast implements [transport.Channel]. The relay decides who receives
// the message.
func (c *Client) Broadcast(ctx context.Context, msg []byte, rel transport.Reliability) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	return enqueue(ctx, c.out, c.done, slices.Clone(msg), rel)
}

// Close implements [transport.Channel].
func (c *Client) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "client closed")
	c.wg.Wait()
	return nil
}
