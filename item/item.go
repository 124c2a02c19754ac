package item

import (
	"bytes"
	"errors"
	"fmt"
)

// HeaderSize is the size of an item header: a uint64 size followed
// by a uint64 type.
const HeaderSize = 16

var (
	// ErrMalformed is returned when an item stream does not exactly
	// tile its parent buffer.
	ErrMalformed = errors.New("malformed item stream")
	// ErrNoMemory is returned when appending to an [Encoder] would
	// grow it past its size limit.
	ErrNoMemory = errors.New("item stream size limit exceeded")
)

// Type is the type of an item.
type Type uint64

// Item is one record of an item stream.
type Item struct {
	// Type is the item's type.
	Type Type
	// Payload is the item's payload, without the header or the
	// trailing alignment padding. It aliases the stream's buffer.
	Payload []byte
}

// Size returns the item's declared size, header included.
func (it Item) Size() uint64 {
	return HeaderSize + uint64(len(it.Payload))
}

// CString returns the payload as a string, if the payload is a
// NUL-terminated string with no embedded NUL bytes.
func (it Item) CString() (string, bool) {
	n := len(it.Payload)
	if n == 0 || bytes.IndexByte(it.Payload, 0) != n-1 {
		return "", false
	}
	return string(it.Payload[:n-1]), true
}

func (it Item) String() string {
	return fmt.Sprintf("item{type=%#x size=%d}", uint64(it.Type), it.Size())
}

// Align8 rounds n up to a multiple of 8.
func Align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
