package kdbus

import (
	"bytes"
	"fmt"
	"io"
	"iter"

	"github.com/danderson/kdbus/item"
	"golang.org/x/sys/unix"
)

// Message is a message that has been copied in from its sender and
// validated, and is ready for delivery.
//
// A Message is owned by whoever is processing it, and must not be
// shared between goroutines while it is being mutated.
type Message struct {
	Header

	// VecsSize is the number of payload bytes the message's
	// PAYLOAD_VEC items describe. Padding records only count their
	// alignment remainder.
	VecsSize uint64
	// VecsCount is the number of PAYLOAD_VEC items.
	VecsCount int
	// MemfdsCount is the number of PAYLOAD_MEMFD items.
	MemfdsCount int
	// Seq is the bus sequence number assigned to the message.
	Seq uint64
	// Meta is the sender metadata attached to the message, if any.
	Meta *Metadata

	buf     []byte
	fds     []byte
	bloom   []byte
	dstName string
}

// NewMessage copies the message sent by conn out of src, validates
// it and returns it ready for delivery.
//
// The message's declared size is read first, and must lie between
// HeaderSize and the bus's MaxMsgSize. Nothing else is read from src
// unless it does. The message's source id is set to conn's id, except
// for agent connections relaying another connection's message.
//
// On failure, NewMessage returns an [Error] describing the first
// problem found, and no message.
func NewMessage(conn *Conn, src io.ReaderAt) (*Message, error) {
	m, err := newMessage(conn, src)
	if err != nil {
		conn.bus.logf("conn %d: rejected message: %v", conn.id, err)
		return nil, err
	}
	return m, nil
}

// NewMessageBytes is like [NewMessage], reading the message from bs.
func NewMessageBytes(conn *Conn, bs []byte) (*Message, error) {
	return NewMessage(conn, bytes.NewReader(bs))
}

func newMessage(conn *Conn, src io.ReaderAt) (*Message, error) {
	var sizeField [8]byte
	if n, err := src.ReadAt(sizeField[:], 0); n < len(sizeField) {
		return nil, kerr(KindMalformed, unix.EFAULT, "reading message size: %v", err)
	}
	size := order.Uint64(sizeField[:])
	if size < HeaderSize || size > conn.bus.Limits.MaxMsgSize {
		return nil, policy(unix.EMSGSIZE, "message size %d is outside [%d, %d]", size, HeaderSize, conn.bus.Limits.MaxMsgSize)
	}

	buf := make([]byte, size)
	if n, err := src.ReadAt(buf, 0); n < len(buf) {
		return nil, kerr(KindMalformed, unix.EFAULT, "short message: read %d of %d bytes: %v", n, size, err)
	}
	m := &Message{buf: buf}
	m.Header.decode(buf)
	if m.Size != size {
		return nil, kerr(KindMalformed, unix.EINVAL, "message size changed from %d to %d while reading", size, m.Size)
	}

	if m.PayloadType == PayloadKernel {
		return nil, forgery("user message claims a kernel payload")
	}
	if err := m.checkReplyFlags(); err != nil {
		return nil, err
	}
	if err := m.scan(conn); err != nil {
		return nil, err
	}
	if err := m.setSource(conn); err != nil {
		return nil, err
	}
	m.Seq = conn.bus.NextSeq()
	return m, nil
}

// setSource validates the claimed source id, and patches in the
// sender's id.
func (m *Message) setSource(conn *Conn) error {
	switch {
	case m.SrcID == 0 || m.SrcID == conn.id:
		m.SrcID = conn.id
	case conn.agent:
		// Relayed on behalf of m.SrcID.
	default:
		return forgery("connection %d cannot send as connection %d", conn.id, m.SrcID)
	}
	order.PutUint64(m.buf[24:], m.SrcID)
	return nil
}

// NewKernelMessage returns a message generated by the bus itself,
// carrying a single item of the given type, and that item's zeroed
// payload for the caller to fill in.
func NewKernelMessage(bus *Bus, dst uint64, typ item.Type, payloadLen int) (*Message, []byte, error) {
	if payloadLen < 0 {
		return nil, nil, policy(unix.EINVAL, "negative %s payload length %d", ItemTypeName(typ), payloadLen)
	}
	itemSize := item.HeaderSize + payloadLen
	size := uint64(HeaderSize) + item.Align8(uint64(itemSize))
	m := &Message{
		Header: Header{
			Size:        size,
			DstID:       dst,
			PayloadType: PayloadKernel,
		},
		buf: make([]byte, size),
		Seq: bus.NextSeq(),
	}
	m.Header.encode(m.buf)
	order.PutUint64(m.buf[HeaderSize:], uint64(itemSize))
	order.PutUint64(m.buf[HeaderSize+8:], uint64(typ))
	start := HeaderSize + item.HeaderSize
	return m, m.buf[start : start+payloadLen : start+payloadLen], nil
}

// Bytes returns the message in wire format, with the source id
// patched in.
func (m *Message) Bytes() []byte {
	return m.buf
}

// Items iterates over the message's items. A freed message has no
// items.
func (m *Message) Items() iter.Seq2[item.Item, error] {
	if len(m.buf) < HeaderSize {
		return item.Items(order, nil)
	}
	return item.Items(order, m.buf[HeaderSize:])
}

// FDs returns the file descriptor numbers of the message's FDS item.
func (m *Message) FDs() []int32 {
	if m.fds == nil {
		return nil
	}
	ret := make([]int32, len(m.fds)/4)
	for i := range ret {
		ret[i] = int32(order.Uint32(m.fds[4*i:]))
	}
	return ret
}

// BloomFilter returns the message's bloom filter, if it has one.
func (m *Message) BloomFilter() (BloomFilter, bool) {
	if m.bloom == nil {
		return BloomFilter{}, false
	}
	return decodeBloom(m.bloom), true
}

// DstName returns the well-known name the message is addressed to,
// or "" if it is addressed by id.
func (m *Message) DstName() string {
	return m.dstName
}

// AttachMetadata collects the metadata categories of which that the
// message does not carry yet, describing conn, the sender.
func (m *Message) AttachMetadata(conn *Conn, which AttachFlags) error {
	if m.Meta == nil {
		m.Meta = NewMetadata(conn.src, WithMaxSize(conn.bus.Limits.MaxMetaSize))
	}
	return m.Meta.Append(conn, m.Seq, which)
}

// Free releases the message and its metadata. The message must not
// be used afterwards.
func (m *Message) Free() {
	if m.Meta != nil {
		m.Meta.Free()
		m.Meta = nil
	}
	m.buf, m.fds, m.bloom = nil, nil, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("msg{seq=%d src=%d dst=%s cookie=%d flags=%s payload=%s size=%d}",
		m.Seq, m.SrcID, dstString(m.DstID), m.Cookie, m.Flags, m.PayloadType, m.Size)
}
