// Package buffer provides the fixed-capacity byte region that readers,
// writers and channels hand to each other across asynchronous operations.
package buffer

import (
	"github.com/albertbausili/courier/internal/errs"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 64 << 10

// MessageBuffer owns a byte region of fixed capacity. The used region is
// Bytes(); the free region is Writable(). A buffer is owned by exactly one
// reader or writer and lent to a channel for the duration of one operation.
type MessageBuffer struct {
	data []byte
	n    int
}

// New allocates a buffer of the given capacity.
func New(capacity int) *MessageBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MessageBuffer{data: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *MessageBuffer) Cap() int { return len(b.data) }

// Len returns the number of used bytes.
func (b *MessageBuffer) Len() int { return b.n }

// Available returns the number of free bytes.
func (b *MessageBuffer) Available() int { return len(b.data) - b.n }

// Bytes returns the used region. The slice aliases the buffer and is only
// valid until the next mutation.
func (b *MessageBuffer) Bytes() []byte { return b.data[:b.n] }

// Writable returns the free region. Bytes copied into it become visible
// after Commit.
func (b *MessageBuffer) Writable() []byte { return b.data[b.n:] }

// Commit marks k bytes of the writable region as used.
func (b *MessageBuffer) Commit(k int) error {
	if k < 0 || k > b.Available() {
		return errs.Newf(errs.BufferOverflow, errs.StageNone,
			"commit of %d bytes with %d of %d available", k, b.Available(), b.Cap())
	}
	b.n += k
	return nil
}

// Write appends p in full or not at all.
func (b *MessageBuffer) Write(p []byte) (int, error) {
	if len(p) > b.Available() {
		return 0, errs.Newf(errs.BufferOverflow, errs.StageNone,
			"write of %d bytes with %d of %d available", len(p), b.Available(), b.Cap())
	}
	b.n += copy(b.data[b.n:], p)
	return len(p), nil
}

// WriteString is Write for strings without the intermediate allocation.
func (b *MessageBuffer) WriteString(s string) (int, error) {
	if len(s) > b.Available() {
		return 0, errs.Newf(errs.BufferOverflow, errs.StageNone,
			"write of %d bytes with %d of %d available", len(s), b.Available(), b.Cap())
	}
	b.n += copy(b.data[b.n:], s)
	return len(s), nil
}

// Discard drops the first k used bytes and moves the remainder to the front.
func (b *MessageBuffer) Discard(k int) {
	if k <= 0 {
		return
	}
	if k >= b.n {
		b.n = 0
		return
	}
	b.n = copy(b.data, b.data[k:b.n])
}

// Reset empties the buffer without releasing its storage.
func (b *MessageBuffer) Reset() { b.n = 0 }
