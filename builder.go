package kdbus

import (
	"github.com/danderson/kdbus/item"
)

// A Builder assembles a message in wire format, as a client would
// before handing it to the bus.
//
// Builder does not validate what it builds: it can produce any
// message, valid or not.
type Builder struct {
	// Header is the message header. Size is computed by
	// [Builder.Bytes].
	Header Header

	enc item.Encoder
	err error
}

// NewBuilder returns a Builder for a message to dst with a DBus
// payload.
func NewBuilder(dst uint64) *Builder {
	return &Builder{
		Header: Header{
			DstID:       dst,
			PayloadType: PayloadDBus,
		},
		enc: item.Encoder{Order: order},
	}
}

func (b *Builder) append(typ item.Type, payloadLen int, fill func([]byte)) *Builder {
	if b.err != nil {
		return b
	}
	p, err := b.enc.Append(typ, payloadLen)
	if err != nil {
		b.err = err
		return b
	}
	fill(p)
	return b
}

// Item adds an item with the given raw payload.
func (b *Builder) Item(typ item.Type, payload []byte) *Builder {
	return b.append(typ, len(payload), func(p []byte) { copy(p, payload) })
}

// Vec adds a PAYLOAD_VEC item for size bytes at addr.
func (b *Builder) Vec(size, addr uint64) *Builder {
	return b.append(ItemPayloadVec, vecSize, Vec{size, addr}.encode)
}

// PaddingVec adds a PAYLOAD_VEC item that carries size bytes of
// alignment padding and no data.
func (b *Builder) PaddingVec(size uint64) *Builder {
	return b.Vec(size, 0)
}

// Memfd adds a PAYLOAD_MEMFD item.
func (b *Builder) Memfd(size uint64, fd int32) *Builder {
	return b.append(ItemPayloadMemfd, memfdSize, Memfd{size, fd}.encode)
}

// FDs adds an FDS item carrying fds.
func (b *Builder) FDs(fds ...int32) *Builder {
	return b.append(ItemFDs, 4*len(fds), func(p []byte) {
		for i, fd := range fds {
			order.PutUint32(p[4*i:], uint32(fd))
		}
	})
}

// Bloom adds a BLOOM_FILTER item.
func (b *Builder) Bloom(generation uint64, data []uint64) *Builder {
	return b.append(ItemBloomFilter, bloomHeaderSize+8*len(data), func(p []byte) {
		order.PutUint64(p, generation)
		for i, w := range data {
			order.PutUint64(p[bloomHeaderSize+8*i:], w)
		}
	})
}

// DstName adds a DST_NAME item.
func (b *Builder) DstName(name string) *Builder {
	if b.err == nil {
		b.err = b.enc.AppendString(ItemDstName, name)
	}
	return b
}

// Bytes returns the message in wire format.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	items := b.enc.Bytes()
	hdr := b.Header
	hdr.Size = uint64(HeaderSize + len(items))
	ret := make([]byte, hdr.Size)
	hdr.encode(ret)
	copy(ret[HeaderSize:], items)
	return ret, nil
}
