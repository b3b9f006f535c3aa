package audio

// pcmScale maps the float range [-1, 1] onto int16.
const pcmScale = 32767

// FloatToPCM16 quantises samples into dst, clipping anything outside [-1, 1].
// dst must be at least as long as samples; the filled prefix is returned.
func FloatToPCM16(dst []int16, samples []float32) []int16 {
	dst = dst[:len(samples)]
	for i, s := range samples {
		v := s * pcmScale
		switch {
		case v > pcmScale:
			dst[i] = pcmScale
		case v < -pcmScale-1:
			dst[i] = -pcmScale - 1
		default:
			dst[i] = int16(roundHalfAway(v))
		}
	}
	return dst
}

// PCM16ToFloat rescales int16 samples into dst and returns the filled prefix.
func PCM16ToFloat(dst []float32, pcm []int16) []float32 {
	dst = dst[:len(pcm)]
	for i, s := range pcm {
		dst[i] = float32(s) / pcmScale
	}
	return dst
}

// PutPCM16LE writes pcm as little-endian int16 pairs into b, which must hold
// 2*len(pcm) bytes.
func PutPCM16LE(b []byte, pcm []int16) {
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
}

// ReadPCM16LE decodes little-endian int16 pairs from b into dst and returns
// the filled prefix. A trailing odd byte is ignored.
func ReadPCM16LE(dst []int16, b []byte) []int16 {
	n := len(b) / 2
	dst = dst[:n]
	for i := range n {
		dst[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return dst
}

func roundHalfAway(v float32) float32 {
	if v < 0 {
		return v - 0.5
	}
	return v + 0.5
}
