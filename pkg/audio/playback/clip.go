package playback

import "sync/atomic"

// Clip is a fixed-length circular sample buffer shared by exactly one
// producer and exactly one consumer.
//
// Both heads are monotonically increasing sample counts; positions in the
// buffer are taken modulo its length. The producer only advances the write
// head and the consumer only advances the read head, so no lock is needed.
// The read head never passes the write head: a consumer that catches up gets
// silence instead of stale samples, and a producer never overwrites samples
// that have not been read (excess input is dropped and counted).
type Clip struct {
	buf []float32

	write atomic.Uint64
	read  atomic.Uint64

	// skip is the number of oldest unread samples the consumer drops on its
	// next Read.
	skip atomic.Uint64

	starved  atomic.Uint64
	overflow atomic.Uint64
	trimmed  atomic.Uint64
}

// NewClip returns a clip holding length samples.
func NewClip(length int) *Clip {
	return &Clip{buf: make([]float32, max(length, 1))}
}

// Len returns the clip length in samples.
func (c *Clip) Len() int { return len(c.buf) }

// WriteHead returns the total number of samples written.
func (c *Clip) WriteHead() uint64 { return c.write.Load() }

// ReadHead returns the total number of samples consumed.
func (c *Clip) ReadHead() uint64 { return c.read.Load() }

// Ahead returns how many written samples have not been read yet. It is
// always within [0, Len].
func (c *Clip) Ahead() int {
	r := c.read.Load()
	w := c.write.Load()
	if r >= w {
		return 0
	}
	return int(w - r)
}

// Free returns how many samples can be written without dropping.
func (c *Clip) Free() int { return len(c.buf) - c.Ahead() }

// Write appends samples at the write head and returns how many were stored.
// Samples that do not fit are dropped. Producer only.
func (c *Clip) Write(samples []float32) int {
	n := min(len(samples), c.Free())
	if dropped := len(samples) - n; dropped > 0 {
		c.overflow.Add(uint64(dropped))
	}
	if n == 0 {
		return 0
	}
	w := c.write.Load()
	pos := int(w % uint64(len(c.buf)))
	k := copy(c.buf[pos:], samples[:n])
	copy(c.buf, samples[k:n])
	c.write.Store(w + uint64(n))
	return n
}

// WriteSilence appends up to n zero samples and returns how many were stored.
// Producer only.
func (c *Clip) WriteSilence(n int) int {
	n = min(n, c.Free())
	if n <= 0 {
		return 0
	}
	w := c.write.Load()
	pos := int(w % uint64(len(c.buf)))
	end := min(pos+n, len(c.buf))
	clear(c.buf[pos:end])
	clear(c.buf[:n-(end-pos)])
	c.write.Store(w + uint64(n))
	return n
}

// Read fills dst from the read head. When fewer samples are buffered than
// requested, the remainder of dst is zeroed and the read head stops at the
// write head. It returns the number of buffered samples copied. Consumer
// only.
func (c *Clip) Read(dst []float32) int {
	r := c.read.Load()
	w := c.write.Load()
	if skip := c.skip.Swap(0); skip > 0 && w > r {
		skip = min(skip, w-r)
		r += skip
		c.trimmed.Add(skip)
	}
	avail := 0
	if w > r {
		avail = int(w - r)
	}
	n := min(len(dst), avail)
	if n > 0 {
		pos := int(r % uint64(len(c.buf)))
		k := copy(dst[:n], c.buf[pos:])
		copy(dst[k:n], c.buf)
	}
	c.read.Store(r + uint64(n))
	if short := len(dst) - n; short > 0 {
		clear(dst[n:])
		c.starved.Add(uint64(short))
	}
	return n
}

// Discard asks the consumer to drop the n oldest unread samples before its
// next Read. A later call replaces an earlier request that has not been
// served yet. Producer only.
func (c *Clip) Discard(n int) {
	if n > 0 {
		c.skip.Store(uint64(n))
	}
}

// Seek moves the read head to head, clamped to the samples still held by the
// clip. It must only be called while no consumer is running.
func (c *Clip) Seek(head uint64) {
	w := c.write.Load()
	oldest := uint64(0)
	if w > uint64(len(c.buf)) {
		oldest = w - uint64(len(c.buf))
	}
	c.read.Store(min(max(head, oldest), w))
}

// Starved returns how many zero samples the consumer received because the
// clip ran dry.
func (c *Clip) Starved() uint64 { return c.starved.Load() }

// Overflow returns how many samples were dropped because the clip was full.
func (c *Clip) Overflow() uint64 { return c.overflow.Load() }

// Trimmed returns how many unread samples the consumer dropped on request.
func (c *Clip) Trimmed() uint64 { return c.trimmed.Load() }
