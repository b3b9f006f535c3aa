package playback_test

import (
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/purrvoice/pkg/audio/playback"
)

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i + 1)
	}
	return out
}

func TestClip_WrapAround(t *testing.T) {
	t.Parallel()
	c := playback.NewClip(8)
	c.Write(ramp(0, 6))
	got := make([]float32, 4)
	c.Read(got)
	c.Write(ramp(6, 5)) // wraps
	all := make([]float32, 7)
	if n := c.Read(all); n != 7 {
		t.Fatalf("Read = %d, want 7", n)
	}
	for i, v := range all {
		if v != float32(i+5) {
			t.Errorf("sample %d = %v, want %v", i, v, i+5)
		}
	}
}

func TestClip_ReadNeverPassesWrite(t *testing.T) {
	t.Parallel()
	c := playback.NewClip(16)
	c.Write(ramp(0, 3))
	dst := make([]float32, 5)
	for i := range dst {
		dst[i] = -1
	}
	if n := c.Read(dst); n != 3 {
		t.Fatalf("Read = %d, want 3", n)
	}
	if dst[3] != 0 || dst[4] != 0 {
		t.Errorf("short read not zero-filled: %v", dst)
	}
	if c.ReadHead() != c.WriteHead() {
		t.Errorf("read head %d passed or lagged write head %d", c.ReadHead(), c.WriteHead())
	}
	if c.Starved() != 2 {
		t.Errorf("Starved = %d, want 2", c.Starved())
	}
}

func TestClip_OverflowDropsExcess(t *testing.T) {
	t.Parallel()
	c := playback.NewClip(4)
	if n := c.Write(ramp(0, 6)); n != 4 {
		t.Fatalf("Write = %d, want 4", n)
	}
	if c.Overflow() != 2 {
		t.Errorf("Overflow = %d, want 2", c.Overflow())
	}
	got := make([]float32, 4)
	c.Read(got)
	if got[0] != 1 || got[3] != 4 {
		t.Errorf("unread samples overwritten: %v", got)
	}
}

// For any interleaving of writes, silence top-ups and device reads, the lead
// of the write head stays within [0, Len] and the consumer sees every written
// sample exactly once, in order.
func TestClip_InvariantUnderRandomSchedule(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(42, 7))
	const length, lag = 480, 96
	c := playback.NewClip(length)

	next := 0
	expect := 0
	for step := range 5000 {
		switch rng.IntN(3) {
		case 0:
			n := rng.IntN(200)
			stored := c.Write(ramp(next, n))
			next += stored
		case 1:
			if a := c.Ahead(); a < lag {
				c.WriteSilence(lag - a)
			}
		case 2:
			dst := make([]float32, rng.IntN(160)+1)
			c.Read(dst)
			for _, v := range dst {
				if v == 0 {
					continue
				}
				if v != float32(expect+1) {
					t.Fatalf("step %d: read %v, want %v", step, v, expect+1)
				}
				expect++
			}
		}
		if a := c.Ahead(); a < 0 || a > length {
			t.Fatalf("step %d: ahead %d out of range", step, a)
		}
		if c.ReadHead() > c.WriteHead() {
			t.Fatalf("step %d: read head %d passed write head %d", step, c.ReadHead(), c.WriteHead())
		}
	}
}

func TestClip_Seek(t *testing.T) {
	t.Parallel()
	c := playback.NewClip(10)
	c.Write(ramp(0, 10))
	c.Seek(7)
	got := make([]float32, 3)
	c.Read(got)
	if got[0] != 8 {
		t.Errorf("after Seek(7) read %v, want 8", got[0])
	}
	c.Seek(100)
	if c.ReadHead() != c.WriteHead() {
		t.Error("Seek past write head was not clamped")
	}
}

func TestClip_DiscardOnNextRead(t *testing.T) {
	t.Parallel()
	c := playback.NewClip(16)
	c.Write(ramp(0, 10))
	c.Discard(6)
	if c.Ahead() != 10 {
		t.Fatalf("Discard moved the read head before a read: ahead %d", c.Ahead())
	}
	got := make([]float32, 2)
	c.Read(got)
	if got[0] != 7 || got[1] != 8 {
		t.Errorf("read %v after Discard(6), want [7 8]", got)
	}
	if c.Trimmed() != 6 {
		t.Errorf("Trimmed = %d, want 6", c.Trimmed())
	}

	// A request larger than what is buffered stops at the write head.
	c.Discard(100)
	c.Read(got)
	if c.ReadHead() != c.WriteHead() || got[0] != 0 {
		t.Errorf("oversized Discard: read head %d write head %d first %v", c.ReadHead(), c.WriteHead(), got[0])
	}
	if c.Trimmed() != 8 {
		t.Errorf("Trimmed = %d, want 8", c.Trimmed())
	}
}
