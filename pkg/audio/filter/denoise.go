package filter

import (
	"errors"
	"sync/atomic"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise"
)

// Denoise runs a frame-based denoise engine over the stream. Frames whose
// voice probability falls below VADThreshold are silenced. Strength blends
// between the dry and the cleaned signal.
//
// When the engine cannot be loaded the filter passes audio through unchanged.
type Denoise struct {
	VADThreshold float64
}

// DenoiseFromParams reads vad_threshold.
func DenoiseFromParams(p Params) Denoise {
	return Denoise{VADThreshold: min(1, max(0, p.Get("vad_threshold", 0.2)))}
}

// Kind implements [Definition].
func (Denoise) Kind() Kind { return KindDenoise }

// Params implements [Definition].
func (d Denoise) Params() Params { return Params{"vad_threshold": d.VADThreshold} }

// NewInstance implements [Definition]. It never fails: an unavailable engine
// yields a pass-through instance.
func (d Denoise) NewInstance(env Env) (Instance, error) {
	inst := &denoiser{}
	inst.def.Store(&d)

	if env.Denoise == nil {
		env.fallback(KindDenoise)
		return inst, nil
	}
	eng, err := env.Denoise.Engine()
	if err != nil {
		env.fallback(KindDenoise)
		return inst, nil
	}
	sess, err := eng.NewSession()
	if err != nil {
		env.logger().Warn("filter: denoise session unavailable, passing audio through", "err", err)
		env.fallback(KindDenoise)
		return inst, nil
	}
	inst.sess = sess
	inst.native = eng.SampleRate()
	inst.frame = eng.FrameSize()
	inst.latency = eng.Latency()
	inst.frameIn = make([]float32, inst.frame)
	inst.frameOut = make([]float32, inst.frame)
	inst.dryFrame = make([]float32, inst.frame)
	return inst, nil
}

func (e Env) fallback(k Kind) {
	if e.OnFallback != nil {
		e.OnFallback(k)
	}
}

type denoiser struct {
	def  atomic.Pointer[Denoise]
	sess denoise.Session

	native, frame, latency int

	rate     int
	up, down *audio.Resampler

	in  *fifo // native-rate samples waiting for a full frame
	dry *fifo // native-rate delay line aligning dry with cleaned output
	out *fifo // caller-rate processed samples

	frameIn, frameOut, dryFrame []float32
}

// reset rebuilds the rate bridge for rate and primes the output so that a
// chunk can always be answered in full despite frame buffering.
func (d *denoiser) reset(rate int) {
	d.rate = rate
	d.up = audio.NewResampler(rate, d.native)
	d.down = audio.NewResampler(d.native, rate)

	nativeChunk := d.up.MaxOutput(rate / 50)
	if d.in == nil {
		d.in = newFIFO(d.frame + nativeChunk)
		d.dry = newFIFO(d.latency + d.frame)
		d.out = newFIFO(2 * (rate/50 + d.frame))
	}
	d.in.reset()
	d.dry.reset()
	d.out.reset()
	d.dry.pushZeros(d.latency)
	d.out.pushZeros((d.frame*rate+d.native-1)/d.native + 1)
}

func (d *denoiser) Process(buf []float32, sampleRate int, strength float32) {
	if d.sess == nil || strength <= 0 || sampleRate <= 0 || len(buf) == 0 {
		return
	}
	if sampleRate != d.rate {
		d.reset(sampleRate)
	}
	threshold := float32(d.def.Load().VADThreshold)

	up := audio.GetBuffer(d.up.MaxOutput(len(buf)))
	*up = d.up.Process(*up, buf)
	d.in.push(*up)
	audio.PutBuffer(up)

	down := audio.GetBuffer(d.down.MaxOutput(d.frame))
	for d.in.len() >= d.frame {
		d.in.pop(d.frameIn)
		d.dry.push(d.frameIn)
		d.dry.pop(d.dryFrame)

		prob := d.sess.ProcessFrame(d.frameOut, d.frameIn)
		if prob < threshold {
			clear(d.frameOut)
		}
		for i, clean := range d.frameOut {
			dry := d.dryFrame[i]
			d.frameOut[i] = dry + (clean-dry)*strength
		}
		*down = d.down.Process(*down, d.frameOut)
		d.out.push(*down)
	}
	audio.PutBuffer(down)

	d.out.pop(buf)
}

func (d *denoiser) Update(def Definition) error {
	dn, ok := def.(Denoise)
	if !ok {
		return ErrKindMismatch
	}
	d.def.Store(&dn)
	return nil
}

func (d *denoiser) Close() error {
	if d.sess == nil {
		return nil
	}
	err := d.sess.Close()
	d.sess = nil
	if err != nil {
		return errors.Join(errors.New("filter: close denoise session"), err)
	}
	return nil
}
