package LogStream

import "sync"

// DefaultTailSize matches the 2KB log kept by the firmware's buffered logger.
const DefaultTailSize = 2 * 1024

// TailBuffer is a fixed-size circular buffer that keeps the newest bytes of
// the log stream. Old data is overwritten once the buffer is full.
type TailBuffer struct {
	mu         sync.Mutex
	buf        []byte
	head, tail int // head: read, tail: write
	full       bool
}

func NewTailBuffer(size int) *TailBuffer {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &TailBuffer{buf: make([]byte, size)}
}

// Append implements Sink.
func (tb *TailBuffer) Append(fragment string) {
	tb.Insert([]byte(fragment))
}

// Insert adds data to the buffer, overwriting the oldest bytes when full.
func (tb *TailBuffer) Insert(data []byte) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if len(data) >= len(tb.buf) {
		data = data[len(data)-len(tb.buf):]
	}
	for _, b := range data {
		tb.buf[tb.tail] = b
		if tb.full {
			tb.head = (tb.head + 1) % len(tb.buf)
		}
		tb.tail = (tb.tail + 1) % len(tb.buf)
		tb.full = tb.head == tb.tail
	}
}

// Bytes returns a copy of the buffered data, oldest first.
func (tb *TailBuffer) Bytes() []byte {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := tb.size()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = tb.buf[(tb.head+i)%len(tb.buf)]
	}
	return out
}

func (tb *TailBuffer) String() string {
	return string(tb.Bytes())
}

func (tb *TailBuffer) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.size()
}

func (tb *TailBuffer) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.head = 0
	tb.tail = 0
	tb.full = false
}

func (tb *TailBuffer) size() int {
	if tb.full {
		return len(tb.buf)
	}
	if tb.tail >= tb.head {
		return tb.tail - tb.head
	}
	return len(tb.buf) - tb.head + tb.tail
}
