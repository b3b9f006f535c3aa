package audio_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

func TestNearestSupportedRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want int
	}{
		{8000, 8000},
		{1000, 8000},
		{11025, 12000},
		{16000, 16000},
		{22050, 24000},
		{32000, 24000},
		{36000, 48000}, // tie resolves upward
		{44100, 48000},
		{96000, 48000},
	}
	for _, tt := range tests {
		if got := audio.NearestSupportedRate(tt.in); got != tt.want {
			t.Errorf("NearestSupportedRate(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFrameSamples(t *testing.T) {
	t.Parallel()
	for _, rate := range audio.SupportedRates {
		if got, want := audio.FrameSamples(rate, 0), rate/50; got != want {
			t.Errorf("FrameSamples(%d, default) = %d, want %d", rate, got, want)
		}
	}
	if got := audio.FrameSamples(48000, 10*time.Millisecond); got != 480 {
		t.Errorf("FrameSamples(48000, 10ms) = %d, want 480", got)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, 0.5, -0.5, 1, -1, 1.5, -1.5}
	pcm := audio.FloatToPCM16(make([]int16, len(in)), in)

	if pcm[5] != 32767 || pcm[6] != -32768 {
		t.Errorf("clipping: got %d/%d, want 32767/-32768", pcm[5], pcm[6])
	}

	b := make([]byte, len(pcm)*2)
	audio.PutPCM16LE(b, pcm)
	back := audio.PCM16ToFloat(make([]float32, len(pcm)), audio.ReadPCM16LE(make([]int16, len(pcm)), b))
	for i := range 5 {
		if math.Abs(float64(back[i]-in[i])) > 1.0/32767 {
			t.Errorf("sample %d: got %f, want %f", i, back[i], in[i])
		}
	}
}

func TestLevels(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %f, want 0.5", got)
	}
	if got := audio.LinearToDB(0); got != audio.SilenceDB {
		t.Errorf("LinearToDB(0) = %f, want %f", got, audio.SilenceDB)
	}
	if got := audio.LinearToDB(1); math.Abs(got) > 1e-9 {
		t.Errorf("LinearToDB(1) = %f, want 0", got)
	}
	if got := audio.DBToLinear(-20); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("DBToLinear(-20) = %f, want 0.1", got)
	}
}

func TestChunkQueue_SplitsAndDrops(t *testing.T) {
	t.Parallel()
	q := audio.NewChunkQueue(2, 4)

	if !q.Push([]float32{1, 2, 3, 4, 5, 6}) {
		t.Fatal("first push should fit in two slots")
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if q.Push([]float32{7}) {
		t.Fatal("push into a full queue should report a drop")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}

	var got []float32
	q.Drain(func(s []float32) { got = append(got, s...) })
	want := []float32{1, 2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestChunkQueue_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()
	q := audio.NewChunkQueue(64, 16)
	const pushes = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := make([]float32, 16)
		for i := range pushes {
			for j := range chunk {
				chunk[j] = float32(i)
			}
			for !q.Push(chunk) {
				// Consumer is behind; the chunk was dropped, which this test
				// does not want, so retry after yielding.
				time.Sleep(time.Microsecond)
			}
		}
	}()

	received := 0
	deadline := time.After(5 * time.Second)
	for received < pushes {
		select {
		case <-deadline:
			t.Fatalf("received %d of %d chunks", received, pushes)
		case <-q.Ready():
		case <-time.After(time.Millisecond):
		}
		q.Drain(func(s []float32) {
			if len(s) != 16 {
				t.Errorf("chunk length %d, want 16", len(s))
			}
			received++
		})
	}
	wg.Wait()
}

func TestObservers(t *testing.T) {
	t.Parallel()
	var o audio.Observers[int]
	var a, b int
	unsubA := o.Subscribe(func(v int) { a += v })
	o.Subscribe(func(v int) { b += v })

	o.Notify(2)
	unsubA()
	unsubA()
	o.Notify(3)

	if a != 2 || b != 5 {
		t.Errorf("got a=%d b=%d, want a=2 b=5", a, b)
	}
	if o.Len() != 1 {
		t.Errorf("Len = %d, want 1", o.Len())
	}
	o.Clear()
	o.Notify(1)
	if b != 5 {
		t.Errorf("notify after Clear reached observer: b=%d", b)
	}
}
