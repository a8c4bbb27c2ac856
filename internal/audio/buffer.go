package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio bytes. The player
// fills it with fetched synthesis audio and drains it one paced frame at
// a time.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []byte
	size   int
	read   int
	write  int
}

// NewRingBuffer creates a ring buffer holding up to size-1 bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data, returning the number of bytes written. It writes
// less than len(data) when the buffer fills up.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for written < len(data) && rb.spaceLocked() > 0 {
		chunk := rb.size - rb.write
		if rb.read > rb.write {
			chunk = rb.read - rb.write - 1
		} else if rb.read == 0 {
			chunk = rb.size - rb.write - 1
		}
		if chunk > len(data)-written {
			chunk = len(data) - written
		}
		copy(rb.buffer[rb.write:rb.write+chunk], data[written:written+chunk])
		rb.write = (rb.write + chunk) % rb.size
		written += chunk
	}
	return written
}

// Read fills data from the buffer, returning the number of bytes read.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for read < len(data) && rb.read != rb.write {
		chunk := rb.write - rb.read
		if chunk < 0 {
			chunk = rb.size - rb.read
		}
		if chunk > len(data)-read {
			chunk = len(data) - read
		}
		copy(data[read:read+chunk], rb.buffer[rb.read:rb.read+chunk])
		rb.read = (rb.read + chunk) % rb.size
		read += chunk
	}
	return read
}

// Available returns the number of bytes ready to read.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of bytes that can be written without loss.
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.spaceLocked()
}

func (rb *RingBuffer) spaceLocked() int {
	avail := rb.write - rb.read
	if avail < 0 {
		avail += rb.size
	}
	// one slot stays unused to distinguish full from empty
	return rb.size - avail - 1
}

// Clear drops all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	rb.read = 0
	rb.write = 0
	rb.mu.Unlock()
}

// IsEmpty reports whether there is nothing to read.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.read == rb.write
}
