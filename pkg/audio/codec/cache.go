package codec

import (
	"fmt"
	"sync"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// Cache lazily builds one [Codec] per sample rate. Get is safe for concurrent
// use, but the codecs it returns are not: a Cache belongs to a single stream
// direction (one sender, or one remote origin on the receiving side).
type Cache struct {
	kind Kind
	opts []Option

	mu     sync.Mutex
	codecs map[int]Codec
}

// NewCache returns a cache that builds codecs of kind with opts.
func NewCache(kind Kind, opts ...Option) *Cache {
	return &Cache{
		kind:   kind,
		opts:   opts,
		codecs: make(map[int]Codec),
	}
}

// Get returns the codec for rate, creating it on first use. Rates outside
// [audio.SupportedRates] are snapped to the nearest supported rate, so a
// caller may pass a raw device rate.
func (c *Cache) Get(rate int) (Codec, error) {
	rate = audio.NearestSupportedRate(rate)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cd, ok := c.codecs[rate]; ok {
		return cd, nil
	}
	cd, err := New(c.kind, rate, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("codec: cache: %w", err)
	}
	c.codecs[rate] = cd
	return cd, nil
}

// Drop discards the codec for rate so the next Get rebuilds it with fresh
// state. Call it when the negotiated frequency of a stream changes.
func (c *Cache) Drop(rate int) {
	rate = audio.NearestSupportedRate(rate)
	c.mu.Lock()
	delete(c.codecs, rate)
	c.mu.Unlock()
}

// Reset discards every cached codec.
func (c *Cache) Reset() {
	c.mu.Lock()
	clear(c.codecs)
	c.mu.Unlock()
}

// Len returns the number of instantiated codecs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codecs)
}
