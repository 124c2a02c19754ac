package kdbus

import (
	"fmt"

	"github.com/danderson/kdbus/item"
	"golang.org/x/sys/unix"
)

// order is the byte order of everything kdbus puts on the wire.
var order = item.NativeEndian

// HeaderSize is the size of the fixed message header that precedes
// a message's items.
const HeaderSize = 56

// MsgFlags are the flags of a message.
type MsgFlags uint64

const (
	// FlagExpectReply marks a message as a method call whose sender
	// waits for a reply. It requires a reply timeout.
	FlagExpectReply MsgFlags = 1 << iota
	// FlagSyncReply asks for the reply to be delivered synchronously
	// to the sending call. Only valid with FlagExpectReply.
	FlagSyncReply
	// FlagNoAutoStart forbids activating the destination to receive
	// the message.
	FlagNoAutoStart
)

func (f MsgFlags) String() string {
	return flagString(uint64(f), []string{"expect-reply", "sync-reply", "no-auto-start"})
}

// Destination id sentinels.
const (
	// DstIDName means the destination is given by a DST_NAME item.
	DstIDName uint64 = 0
	// DstIDBroadcast means the message is a signal for all
	// connections whose match rules accept its bloom filter.
	DstIDBroadcast uint64 = ^uint64(0)
)

// PayloadType identifies the format of a message's payload.
type PayloadType uint64

const (
	// PayloadKernel marks messages generated by the bus itself. User
	// messages never carry it.
	PayloadKernel PayloadType = 0
	// PayloadDBus marks payloads in the DBus wire format.
	PayloadDBus PayloadType = 0x4442757344427573
)

func (p PayloadType) String() string {
	switch p {
	case PayloadKernel:
		return "kernel"
	case PayloadDBus:
		return "dbus"
	default:
		return fmt.Sprintf("%#x", uint64(p))
	}
}

// Header is the fixed-size header of a message.
type Header struct {
	// Size is the size of the whole message, header and items.
	Size uint64
	// Flags are the message flags.
	Flags MsgFlags
	// DstID is the destination connection id, or one of DstIDName
	// and DstIDBroadcast.
	DstID uint64
	// SrcID is the sending connection id. The bus overwrites it with
	// the sender's id, except for messages relayed by an agent.
	SrcID uint64
	// PayloadType is the format of the message payload.
	PayloadType PayloadType
	// Cookie is a sender-chosen serial for the message.
	Cookie uint64
	// Timeout is the reply timeout in nanoseconds for messages that
	// expect a reply. On replies it holds the cookie of the request
	// instead.
	Timeout uint64
}

// Broadcast reports whether the message is addressed to all
// interested connections.
func (h *Header) Broadcast() bool {
	return h.DstID == DstIDBroadcast
}

// ByName reports whether the message is addressed by well-known name.
func (h *Header) ByName() bool {
	return h.DstID == DstIDName
}

// Unicast reports whether the message is addressed to a numeric
// connection id.
func (h *Header) Unicast() bool {
	return !h.Broadcast() && !h.ByName()
}

// decode reads h from the first HeaderSize bytes of bs.
func (h *Header) decode(bs []byte) {
	h.Size = order.Uint64(bs[0:])
	h.Flags = MsgFlags(order.Uint64(bs[8:]))
	h.DstID = order.Uint64(bs[16:])
	h.SrcID = order.Uint64(bs[24:])
	h.PayloadType = PayloadType(order.Uint64(bs[32:]))
	h.Cookie = order.Uint64(bs[40:])
	h.Timeout = order.Uint64(bs[48:])
}

// encode writes h into the first HeaderSize bytes of bs.
func (h *Header) encode(bs []byte) {
	order.PutUint64(bs[0:], h.Size)
	order.PutUint64(bs[8:], uint64(h.Flags))
	order.PutUint64(bs[16:], h.DstID)
	order.PutUint64(bs[24:], h.SrcID)
	order.PutUint64(bs[32:], uint64(h.PayloadType))
	order.PutUint64(bs[40:], h.Cookie)
	order.PutUint64(bs[48:], h.Timeout)
}

// MarshalBinary returns the wire encoding of h.
func (h Header) MarshalBinary() ([]byte, error) {
	ret := make([]byte, HeaderSize)
	h.encode(ret)
	return ret, nil
}

// UnmarshalBinary decodes a header from the first HeaderSize bytes of
// bs.
func (h *Header) UnmarshalBinary(bs []byte) error {
	if len(bs) < HeaderSize {
		return fmt.Errorf("message header is %d bytes, need %d", len(bs), HeaderSize)
	}
	h.decode(bs)
	return nil
}

// checkReplyFlags validates the reply flags against the rest of the
// header.
func (h *Header) checkReplyFlags() error {
	if h.Flags&FlagExpectReply != 0 {
		if h.Timeout == 0 {
			return policy(unix.EINVAL, "message expects a reply but has no timeout")
		}
		if h.Broadcast() {
			return policy(unix.ENOTUNIQ, "broadcast messages cannot expect a reply")
		}
	} else if h.Flags&FlagSyncReply != 0 {
		return policy(unix.EINVAL, "sync-reply flag without expect-reply")
	}
	return nil
}

func dstString(id uint64) string {
	switch id {
	case DstIDName:
		return "name"
	case DstIDBroadcast:
		return "broadcast"
	default:
		return fmt.Sprint(id)
	}
}

func flagString(v uint64, names []string) string {
	if v == 0 {
		return "0"
	}
	var ret []byte
	for i, n := range names {
		if v&(1<<i) == 0 {
			continue
		}
		if len(ret) > 0 {
			ret = append(ret, '|')
		}
		ret = append(ret, n...)
		v &^= 1 << i
	}
	if v != 0 {
		if len(ret) > 0 {
			ret = append(ret, '|')
		}
		ret = fmt.Appendf(ret, "%#x", v)
	}
	return string(ret)
}
