package filter

// fifo is a growable ring of samples. It only allocates when a push exceeds
// its capacity, which settles after the first few chunks of a stream.
type fifo struct {
	buf        []float32
	head, size int
}

func newFIFO(capacity int) *fifo {
	return &fifo{buf: make([]float32, max(capacity, 1))}
}

func (f *fifo) len() int { return f.size }

func (f *fifo) grow(n int) {
	if f.size+n <= len(f.buf) {
		return
	}
	next := make([]float32, 2*(f.size+n))
	f.read(next[:f.size])
	f.buf, f.head = next, 0
}

// read copies the oldest len(dst) samples into dst without consuming them.
func (f *fifo) read(dst []float32) {
	n := copy(dst, f.buf[f.head:min(len(f.buf), f.head+len(dst))])
	copy(dst[n:], f.buf)
}

func (f *fifo) push(samples []float32) {
	f.grow(len(samples))
	tail := (f.head + f.size) % len(f.buf)
	n := copy(f.buf[tail:], samples)
	copy(f.buf, samples[n:])
	f.size += len(samples)
}

func (f *fifo) pushZeros(n int) {
	f.grow(n)
	tail := (f.head + f.size) % len(f.buf)
	for i := range n {
		f.buf[(tail+i)%len(f.buf)] = 0
	}
	f.size += n
}

// pop fills dst with the oldest samples, padding with zeros when the fifo
// runs short, and returns how many real samples were consumed.
func (f *fifo) pop(dst []float32) int {
	n := min(len(dst), f.size)
	f.read(dst[:n])
	clear(dst[n:])
	f.head = (f.head + n) % len(f.buf)
	f.size -= n
	return n
}

func (f *fifo) reset() {
	f.head, f.size = 0, 0
}
