package loopback

import "sync"

// queue is one direction of the in-memory transport.
type queue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *queue) write(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, b...)
}

// drainTo moves every queued byte onto dst.
func (q *queue) drainTo(dst []byte) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	dst = append(dst, q.buf...)
	q.buf = q.buf[:0]
	return dst
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
