package modem

// fifo is the bounded receive buffer owned by a socket handle.
type fifo struct {
	buf  []byte
	head int
	n    int
}

func newFifo(size int) fifo {
	return fifo{buf: make([]byte, size)}
}

func (f *fifo) Len() int  { return f.n }
func (f *fifo) Free() int { return len(f.buf) - f.n }

// Put appends b, reporting false when the buffer is full.
func (f *fifo) Put(b byte) bool {
	if f.n == len(f.buf) {
		return false
	}
	f.buf[(f.head+f.n)%len(f.buf)] = b
	f.n++
	return true
}

// Read moves up to len(p) buffered bytes into p.
func (f *fifo) Read(p []byte) int {
	cnt := 0
	for cnt < len(p) && f.n > 0 {
		chunk := min(len(p)-cnt, f.n, len(f.buf)-f.head)
		copy(p[cnt:], f.buf[f.head:f.head+chunk])
		f.head = (f.head + chunk) % len(f.buf)
		f.n -= chunk
		cnt += chunk
	}
	return cnt
}

func (f *fifo) Reset() {
	f.head, f.n = 0, 0
}
