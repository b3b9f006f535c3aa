package transport

import "sync/atomic"

// MaxFragments is the largest number of fragments a single frame may be split
// into; the fragment count travels in one byte.
const MaxFragments = 255

// Fragment splits frame into ceil(len(frame)/max) consecutive pieces of at
// most max bytes. The pieces alias frame. A non-positive max selects
// [MaxFragmentPayload]. An empty frame yields no fragments.
func Fragment(frame []byte, max int) [][]byte {
	if max <= 0 {
		max = MaxFragmentPayload
	}
	if len(frame) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(frame)+max-1)/max)
	for len(frame) > 0 {
		n := min(max, len(frame))
		out = append(out, frame[:n:n])
		frame = frame[n:]
	}
	return out
}

// FragmentPackets encodes frame as a series of audio packets ready to send.
func FragmentPackets(origin string, seq uint32, rate int, frame []byte, max int) ([][]byte, error) {
	parts := Fragment(frame, max)
	if len(parts) > MaxFragments {
		return nil, ErrFrameTooLarge
	}
	out := make([][]byte, len(parts))
	for i, part := range parts {
		b, err := Packet{
			Kind:    KindAudio,
			Origin:  origin,
			Seq:     seq,
			Rate:    rate,
			Index:   uint8(i),
			Count:   uint8(len(parts)),
			Payload: part,
		}.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// DropReason classifies discarded frames.
type DropReason string

const (
	DropOutOfOrder DropReason = "out_of_order"
	DropIncomplete DropReason = "incomplete"
	DropStale      DropReason = "stale"
)

// Reassembler rebuilds frames of a single origin from their fragments.
//
// Fragments of a frame must arrive in order. A frame whose fragments arrive
// out of sequence, or that is abandoned before its last fragment because the
// next frame started, is discarded and counted; nothing is retried. Frames
// older than the last completed one are discarded as stale.
//
// A Reassembler is not safe for concurrent use, except for the drop counters.
type Reassembler struct {
	seq   uint32
	count uint8
	next  uint8
	rate  int
	busy  bool
	buf   []byte

	last    uint32
	started bool

	rejectSeq uint32
	rejected  bool

	outOfOrder atomic.Uint64
	incomplete atomic.Uint64
	stale      atomic.Uint64
}

// Frame is a reassembled frame. Data is reused by the next call to
// [Reassembler.Add].
type Frame struct {
	Seq  uint32
	Rate int
	Data []byte
}

// newer reports whether a is after b in serial-number order.
func newer(a, b uint32) bool { return int32(a-b) > 0 }

// Add feeds one audio fragment. It returns the completed frame when p was
// its last fragment.
func (r *Reassembler) Add(p Packet) (Frame, bool) {
	if r.started && !newer(p.Seq, r.last) {
		r.stale.Add(1)
		return Frame{}, false
	}

	if p.Index == 0 {
		if r.rejected && p.Seq == r.rejectSeq {
			return Frame{}, false
		}
		if r.busy {
			r.incomplete.Add(1)
		}
		r.seq, r.count, r.next, r.rate = p.Seq, p.Count, 0, p.Rate
		r.buf = r.buf[:0]
		r.busy = true
	} else if !r.busy || p.Seq != r.seq || p.Index != r.next || p.Count != r.count {
		if r.busy && p.Seq != r.seq {
			r.incomplete.Add(1)
		}
		r.busy = false
		r.reject(p.Seq)
		return Frame{}, false
	}

	r.buf = append(r.buf, p.Payload...)
	r.next++
	if r.next < r.count {
		return Frame{}, false
	}
	r.busy = false
	r.last, r.started = r.seq, true
	return Frame{Seq: r.seq, Rate: r.rate, Data: r.buf}, true
}

// reject counts seq as out of order once, however many of its fragments
// follow.
func (r *Reassembler) reject(seq uint32) {
	if r.rejected && r.rejectSeq == seq {
		return
	}
	r.rejected, r.rejectSeq = true, seq
	r.outOfOrder.Add(1)
}

// Reset forgets any partial frame and the sequence history.
func (r *Reassembler) Reset() {
	r.busy = false
	r.started = false
	r.rejected = false
	r.buf = r.buf[:0]
}

// Dropped returns the number of discarded frames for reason.
func (r *Reassembler) Dropped(reason DropReason) uint64 {
	switch reason {
	case DropOutOfOrder:
		return r.outOfOrder.Load()
	case DropIncomplete:
		return r.incomplete.Load()
	case DropStale:
		return r.stale.Load()
	}
	return 0
}
