package item

import (
	"fmt"
	"iter"
)

// A Decoder walks the items of a stream.
//
// The stream must tile In exactly: every item header must lie inside
// In, every item must be at least [HeaderSize] bytes and end inside
// In, and the walk must finish at len(In) rounded up to 8 bytes. The
// Decoder never reads outside In.
type Decoder struct {
	// Order is the byte order of the item headers.
	Order ByteOrder
	// In is the stream to walk.
	In []byte

	// offset is the start of the next item. It can step past len(In)
	// by up to 7 bytes when the last item is not 8-byte aligned.
	offset uint64
	done   bool
	err    error
}

// Next returns the next item in the stream. It returns false when the
// stream is exhausted or malformed, after which [Decoder.Err] reports
// which.
func (d *Decoder) Next() (Item, bool) {
	if d.done {
		return Item{}, false
	}
	end := uint64(len(d.In))
	if d.offset >= end {
		d.finish()
		return Item{}, false
	}
	if end-d.offset < HeaderSize {
		d.fail("truncated item header at offset %d", d.offset)
		return Item{}, false
	}
	size := d.Order.Uint64(d.In[d.offset:])
	typ := d.Order.Uint64(d.In[d.offset+8:])
	if size < HeaderSize {
		d.fail("item at offset %d has size %d, smaller than its header", d.offset, size)
		return Item{}, false
	}
	if size > end-d.offset {
		d.fail("item at offset %d has size %d, overruns stream of %d bytes", d.offset, size, end)
		return Item{}, false
	}
	ret := Item{
		Type:    Type(typ),
		Payload: d.In[d.offset+HeaderSize : d.offset+size : d.offset+size],
	}
	d.offset += Align8(size)
	return ret, true
}

// Err returns the reason the walk stopped early, or nil if the stream
// was consumed exactly.
func (d *Decoder) Err() error {
	return d.err
}

// Offset returns the offset of the next item to be read.
func (d *Decoder) Offset() int {
	return int(d.offset)
}

func (d *Decoder) finish() {
	d.done = true
	if want := Align8(uint64(len(d.In))); d.offset != want {
		d.err = fmt.Errorf("%w: stream ends at offset %d, want %d", ErrMalformed, d.offset, want)
	}
}

func (d *Decoder) fail(msg string, args ...any) {
	d.done = true
	d.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(msg, args...))
}

// Items returns an iterator over the items of bs. If the stream is
// malformed, the final pair yielded carries the error.
func Items(order ByteOrder, bs []byte) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		d := Decoder{Order: order, In: bs}
		for {
			it, ok := d.Next()
			if !ok {
				break
			}
			if !yield(it, nil) {
				return
			}
		}
		if err := d.Err(); err != nil {
			yield(Item{}, err)
		}
	}
}
