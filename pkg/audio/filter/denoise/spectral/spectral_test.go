package spectral_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise"
	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise/spectral"
)

func noiseFrame(rng *rand.Rand, amp float32) []float32 {
	f := make([]float32, denoise.FrameSize)
	for i := range f {
		f[i] = amp * (2*rng.Float32() - 1)
	}
	return f
}

func addTone(f []float32, start int, freq float64, amp float32) {
	for i := range f {
		f[i] += amp * float32(math.Sin(2*math.Pi*freq*float64(start+i)/denoise.NativeRate))
	}
}

func TestSession_AttenuatesStationaryNoise(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	s, err := spectral.New().NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	out := make([]float32, denoise.FrameSize)
	var inRMS, outRMS, lastProb float64
	for f := range 60 {
		in := noiseFrame(rng, 0.05)
		lastProb = float64(s.ProcessFrame(out, in))
		if f >= 40 {
			inRMS += audio.RMS(in)
			outRMS += audio.RMS(out)
		}
	}
	if outRMS > 0.5*inRMS {
		t.Errorf("noise not attenuated: in %.4f, out %.4f", inRMS/20, outRMS/20)
	}
	if lastProb >= 0.5 {
		t.Errorf("noise-only voice probability = %.2f, want < 0.5", lastProb)
	}
}

func TestSession_KeepsSpeechLikeTone(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(3, 4))
	s, _ := spectral.New().NewSession()
	defer s.Close()

	out := make([]float32, denoise.FrameSize)
	for range 30 {
		s.ProcessFrame(out, noiseFrame(rng, 0.02))
	}

	var inRMS, outRMS float64
	var prob float32
	for f := range 20 {
		in := noiseFrame(rng, 0.02)
		addTone(in, f*denoise.FrameSize, 400, 0.4)
		prob = s.ProcessFrame(out, in)
		if f >= 2 {
			inRMS += audio.RMS(in)
			outRMS += audio.RMS(out)
		}
	}
	if prob < 0.5 {
		t.Errorf("tone voice probability = %.2f, want >= 0.5", prob)
	}
	if outRMS < 0.7*inRMS {
		t.Errorf("tone attenuated too much: in %.4f, out %.4f", inRMS, outRMS)
	}
}

func TestSession_ClosedIsSilent(t *testing.T) {
	t.Parallel()
	s, _ := spectral.New().NewSession()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	out := make([]float32, denoise.FrameSize)
	for i := range out {
		out[i] = 1
	}
	if p := s.ProcessFrame(out, make([]float32, denoise.FrameSize)); p != 0 {
		t.Errorf("probability after Close = %f, want 0", p)
	}
	if !audio.IsSilent(out) {
		t.Error("output after Close is not silent")
	}
}
