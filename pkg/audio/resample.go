package audio

// Resampler converts a continuous mono stream from one sample rate to another
// using linear interpolation. It is the only resampler in PurrVoice: capture
// rate conversion, playback rate conversion and the denoiser's native-rate
// bridge all use it.
//
// Output sample k sits at input position k*src/dst and interpolates between
// the input samples either side of it, delayed by one input sample so that no
// lookahead is needed. State (the fractional position and the previous input
// sample) is carried across calls: feeding a stream in arbitrary chunk sizes
// yields the same output as feeding it in one piece, and after N input
// samples exactly ceil(N*dst/src) samples have been produced.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int

	// num is the input position of the next output sample in units of
	// 1/dst input samples, relative to the first sample of the next Process
	// call. Output k sits at k*src.
	num  int64
	prev float32
}

// NewResampler returns a resampler from src Hz to dst Hz.
func NewResampler(src, dst int) *Resampler {
	return &Resampler{src: src, dst: dst}
}

// Rates returns the configured source and destination rates.
func (r *Resampler) Rates() (src, dst int) { return r.src, r.dst }

// Reset discards carried state. Use it when the stream is interrupted.
func (r *Resampler) Reset() {
	r.num = 0
	r.prev = 0
}

// MaxOutput returns an upper bound on the number of samples Process can
// produce for n input samples.
func (r *Resampler) MaxOutput(n int) int {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return n
	}
	return int(int64(n)*int64(r.dst)/int64(r.src)) + 2
}

// Process resamples in and appends the result to dst[:0], returning the
// filled slice. dst should have capacity of at least MaxOutput(len(in)) to
// avoid allocation. When the rates are equal the input is copied through.
func (r *Resampler) Process(dst, in []float32) []float32 {
	dst = dst[:0]
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return append(dst, in...)
	}
	n := len(in)
	if n == 0 {
		return dst
	}
	src, dstRate := int64(r.src), int64(r.dst)
	end := int64(n) * dstRate

	for ; r.num < end; r.num += src {
		idx := int(r.num / dstRate)
		frac := float32(r.num%dstRate) / float32(dstRate)
		s0 := r.prev
		if idx > 0 {
			s0 = in[idx-1]
		}
		s1 := in[idx]
		dst = append(dst, s0+(s1-s0)*frac)
	}

	r.num -= end
	r.prev = in[n-1]
	return dst
}

// ResampleInto stretches src onto exactly len(dst) samples using linear
// interpolation and returns dst. It keeps no state; use it when a block must
// map onto a block of fixed length (for example when bridging a denoiser's
// native rate back to the caller's buffer).
func ResampleInto(dst, src []float32) []float32 {
	switch {
	case len(dst) == 0:
		return dst
	case len(src) == 0:
		clear(dst)
		return dst
	case len(src) == len(dst):
		copy(dst, src)
		return dst
	case len(src) == 1 || len(dst) == 1:
		for i := range dst {
			dst[i] = src[0]
		}
		return dst
	}
	ratio := float64(len(src)-1) / float64(len(dst)-1)
	for i := range dst {
		p := float64(i) * ratio
		idx := int(p)
		if idx >= len(src)-1 {
			dst[i] = src[len(src)-1]
			continue
		}
		frac := float32(p - float64(idx))
		dst[i] = src[idx] + (src[idx+1]-src[idx])*frac
	}
	return dst
}
