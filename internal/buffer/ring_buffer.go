// Package buffer keeps the recent output of a terminal session so that a
// client joining late can be shown what is already on screen.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// RingBuffer is a fixed-size circular byte buffer holding the most recent
// writes. Once full, each write overwrites the oldest bytes.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []byte
	start int
	size  int
	total int64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += int64(n)
	capacity := len(rb.buf)
	if n >= capacity {
		copy(rb.buf, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	copied := copy(rb.buf[end:], p)
	copy(rb.buf, p[copied:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.readLocked()
}

func (rb *RingBuffer) readLocked() []byte {
	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[n:], rb.buf)
	return out
}

// Snapshot returns the buffered bytes starting at the first complete UTF-8
// sequence. When older output has been overwritten the buffer can begin in
// the middle of a multi-byte character; those leading bytes are dropped.
func (rb *RingBuffer) Snapshot() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	data := rb.readLocked()
	if rb.total == int64(rb.size) {
		return data
	}
	for i := 0; i < len(data) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(data[i]) {
			return data[i:]
		}
	}
	return data
}

// Clear removes all data from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.size = 0
	rb.total = 0
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Written returns the total number of bytes ever written.
func (rb *RingBuffer) Written() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}
