// Package jitter implements a fixed-capacity, size-prefixed ring buffer
// for raw PCM frames. It smooths bursty client audio ahead of the
// fallback recognizer's network stream: pushes never block, and once full
// the buffer drops the oldest complete frame to make room for the newest.
//
// The size-prefixed framing inside a byte ring buffer is grounded on the
// reference pack's audio ring adapter (pkg/io/stt/audioRing/rb_adapter.go),
// narrowed here to raw []byte frames instead of a marshaled domain type
// since the fallback recognizer only ever needs PCM bytes in, in order.
package jitter

import (
	"errors"

	"github.com/smallnest/ringbuffer"
)

// ErrFrameTooLarge is returned when a single frame can never fit, even in
// an empty buffer.
var ErrFrameTooLarge = errors.New("jitter: frame larger than buffer capacity")

const lengthPrefixSize = 4

// Buffer is a non-blocking, size-prefixed ring buffer of PCM frames.
type Buffer struct {
	rb *ringbuffer.RingBuffer
}

// New builds a Buffer with the given byte capacity.
func New(capacity int) *Buffer {
	return &Buffer{rb: ringbuffer.New(capacity).SetBlocking(false)}
}

// Push enqueues one frame, evicting the oldest frames as needed to make
// room. Returns ErrFrameTooLarge only when the frame could never fit.
func (b *Buffer) Push(frame []byte) error {
	required := len(frame) + lengthPrefixSize
	if required > b.rb.Capacity() {
		return ErrFrameTooLarge
	}

	for b.rb.Free() < required {
		if !b.dropOldest() {
			b.rb.Reset()
			break
		}
	}

	prefix := encodeLength(len(frame))
	if _, err := b.rb.Write(prefix); err != nil {
		return err
	}
	_, err := b.rb.Write(frame)
	return err
}

// Pop dequeues the oldest frame, or returns ok=false if the buffer is empty.
func (b *Buffer) Pop() (frame []byte, ok bool) {
	if b.rb.IsEmpty() {
		return nil, false
	}

	prefix := make([]byte, lengthPrefixSize)
	if n, err := b.rb.Read(prefix); err != nil || n != lengthPrefixSize {
		return nil, false
	}
	size := decodeLength(prefix)

	data := make([]byte, size)
	if n, err := b.rb.Read(data); err != nil || n != size {
		return nil, false
	}
	return data, true
}

// Len reports the number of bytes currently buffered (frames + prefixes).
func (b *Buffer) Len() int { return b.rb.Length() }

func (b *Buffer) dropOldest() bool {
	_, ok := b.Pop()
	return ok
}

func encodeLength(n int) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func decodeLength(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}
