package item

import (
	"fmt"
	"math/bits"
)

// minInitialSize is the smallest buffer an Encoder allocates.
const minInitialSize = 512

// An Encoder builds an item stream in a growable buffer.
//
// The buffer is allocated on the first append, and doubles in size
// (rounded to a power of two) whenever an append does not fit. Bytes
// that have not been written yet are always zero.
//
// Payload slices returned by [Encoder.Append] alias the buffer, and
// must not be held across another append: growing the buffer moves
// it.
type Encoder struct {
	// Order is the byte order to use for item headers and helper
	// payloads.
	Order ByteOrder
	// Max, if non-zero, is the largest size in bytes the stream may
	// grow to. Appends that would exceed it fail with [ErrNoMemory].
	Max int

	buf  []byte
	size int
}

// Append adds an item of the given type with a zeroed payload of
// payloadLen bytes, and returns the payload for the caller to fill
// in.
func (e *Encoder) Append(typ Type, payloadLen int) ([]byte, error) {
	if payloadLen < 0 {
		return nil, fmt.Errorf("negative payload length %d", payloadLen)
	}
	itemSize := HeaderSize + payloadLen
	need := int(Align8(uint64(itemSize)))
	if e.Max > 0 && e.size+need > e.Max {
		return nil, fmt.Errorf("%w: need %d bytes, limit is %d", ErrNoMemory, e.size+need, e.Max)
	}

	if e.buf == nil {
		e.buf = make([]byte, e.clamp(roundupPow2(max(minInitialSize, need))))
	}
	if e.size+need > len(e.buf) {
		grown := make([]byte, e.clamp(roundupPow2(e.size+need)))
		copy(grown, e.buf[:e.size])
		e.buf = grown
	}

	start := e.size
	e.Order.PutUint64(e.buf[start:], uint64(itemSize))
	e.Order.PutUint64(e.buf[start+8:], uint64(typ))
	e.size += need
	return e.buf[start+HeaderSize : start+itemSize : start+itemSize], nil
}

// AppendData adds an item whose payload is a copy of data. Empty data
// appends nothing.
func (e *Encoder) AppendData(typ Type, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	p, err := e.Append(typ, len(data))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

// AppendString adds an item whose payload is s followed by a NUL
// byte.
func (e *Encoder) AppendString(typ Type, s string) error {
	p, err := e.Append(typ, len(s)+1)
	if err != nil {
		return err
	}
	copy(p, s)
	return nil
}

// AppendUint64s adds an item whose payload is vals in order.
func (e *Encoder) AppendUint64s(typ Type, vals ...uint64) error {
	p, err := e.Append(typ, 8*len(vals))
	if err != nil {
		return err
	}
	for i, v := range vals {
		e.Order.PutUint64(p[8*i:], v)
	}
	return nil
}

// Bytes returns the stream written so far. The returned slice aliases
// the Encoder's buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf[:e.size:e.size]
}

// Len returns the number of bytes written so far, trailing alignment
// padding included.
func (e *Encoder) Len() int {
	return e.size
}

// Cap returns the size of the allocated buffer.
func (e *Encoder) Cap() int {
	return len(e.buf)
}

// Truncate discards everything written after the first n bytes. n
// must be an item boundary previously returned by [Encoder.Len].
func (e *Encoder) Truncate(n int) {
	if n < 0 || n > e.size {
		panic(fmt.Sprintf("item: Truncate(%d) outside stream of %d bytes", n, e.size))
	}
	clear(e.buf[n:e.size])
	e.size = n
}

// Reset discards the stream and its buffer.
func (e *Encoder) Reset() {
	e.buf = nil
	e.size = 0
}

func (e *Encoder) clamp(n int) int {
	if e.Max > 0 && n > e.Max {
		return e.Max
	}
	return n
}

func roundupPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
