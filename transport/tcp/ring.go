package tcp

// ring is a fixed-capacity byte ring buffer. The sender keeps unacknowledged
// and unsent stream data in one; the receiver keeps in-order data awaiting
// Read in another. Callers provide their own locking
type ring struct {
	buf  []byte
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) length() int {
	return r.size
}

func (r *ring) free() int {
	return len(r.buf) - r.size
}

// write appends as much of b as fits and returns the number of bytes taken
func (r *ring) write(b []byte) int {
	n := len(b)
	if free := r.free(); n > free {
		n = free
	}
	tail := (r.head + r.size) % len(r.buf)
	first := copy(r.buf[tail:], b[:n])
	copy(r.buf, b[first:n])
	r.size += n
	return n
}

// peek copies up to len(b) bytes starting at the given offset from the front
// without consuming them. The sender uses it to build both fresh and
// retransmitted segments
func (r *ring) peek(offset int, b []byte) int {
	if offset >= r.size {
		return 0
	}
	n := r.size - offset
	if n > len(b) {
		n = len(b)
	}
	start := (r.head + offset) % len(r.buf)
	first := copy(b[:n], r.buf[start:])
	copy(b[first:n], r.buf)
	return n
}

// consume drops n bytes from the front
func (r *ring) consume(n int) {
	if n > r.size {
		n = r.size
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
}

// read copies up to len(b) bytes from the front and consumes them
func (r *ring) read(b []byte) int {
	n := r.peek(0, b)
	r.consume(n)
	return n
}
