package duplex

// buffer is a byte queue over one backing slice. Unread bytes live in
// buf[r:w] and free space in buf[w:].
type buffer struct {
	buf []byte
	r   int
	w   int
}

func newBuffer(size int) buffer {
	return buffer{buf: make([]byte, size)}
}

func (b *buffer) Len() int      { return b.w - b.r }
func (b *buffer) Cap() int      { return len(b.buf) }
func (b *buffer) Bytes() []byte { return b.buf[b.r:b.w] }
func (b *buffer) Free() []byte  { return b.buf[b.w:] }

func (b *buffer) Commit(n int) { b.w += n }

func (b *buffer) Consume(n int) {
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Compact moves the unread bytes to the head of the buffer.
func (b *buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Read moves up to len(p) unread bytes into p.
func (b *buffer) Read(p []byte) int {
	n := copy(p, b.Bytes())
	b.Consume(n)
	return n
}

// Ensure compacts the buffer and grows it until n bytes are free.
func (b *buffer) Ensure(n int) {
	b.Compact()
	if len(b.buf)-b.w < n {
		b.Grow(n)
	}
}

// Grow reallocates the buffer with room for need bytes after the unread
// ones. The capacity at least doubles and unread bytes keep their order.
func (b *buffer) Grow(need int) {
	size := 2 * len(b.buf)
	if want := b.Len() + need; size < want {
		size = want
	}
	next := make([]byte, size)
	n := copy(next, b.buf[b.r:b.w])
	b.buf, b.r, b.w = next, 0, n
}
