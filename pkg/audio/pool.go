package audio

import "sync"

// bufferPool recycles variable-length scratch buffers used for resampling on
// the hot path. Buffers are stored by pointer to avoid an allocation per Put.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]float32, 0, 4096)
		return &b
	},
}

// GetBuffer returns a pooled slice of length n. The contents are undefined.
// Return it with [PutBuffer] once done.
func GetBuffer(n int) *[]float32 {
	bp := bufferPool.Get().(*[]float32)
	if cap(*bp) < n {
		*bp = make([]float32, n)
	}
	*bp = (*bp)[:n]
	return bp
}

// PutBuffer returns a buffer obtained from [GetBuffer] to the pool.
func PutBuffer(bp *[]float32) {
	if bp == nil {
		return
	}
	*bp = (*bp)[:0]
	bufferPool.Put(bp)
}
