package kdbus

import (
	"fmt"

	"github.com/danderson/kdbus/item"
)

// Item types that user messages and commands may carry.
const (
	ItemPayloadVec item.Type = iota + 1
	ItemPayloadOff
	ItemPayloadMemfd
	ItemFDs
	ItemBloomParameter
	ItemBloomFilter
	ItemBloomMask
	ItemDstName
	ItemMakeName
	ItemAttachFlags
	ItemID
	ItemName
)

// Item types attached by the bus as sender metadata.
const (
	ItemTimestamp item.Type = iota + 0x1000
	ItemCreds
	ItemPIDComm
	ItemTIDComm
	ItemExe
	ItemCmdline
	ItemCgroup
	ItemCaps
	ItemSeclabel
	ItemAudit
	ItemConnName
)

// Item types of kernel-generated notifications.
const (
	ItemNameAdd item.Type = iota + 0x8000
	ItemNameRemove
	ItemNameChange
	ItemIDAdd
	ItemIDRemove
	ItemReplyTimeout
	ItemReplyDead
)

var itemNames = map[item.Type]string{
	ItemPayloadVec:     "PAYLOAD_VEC",
	ItemPayloadOff:     "PAYLOAD_OFF",
	ItemPayloadMemfd:   "PAYLOAD_MEMFD",
	ItemFDs:            "FDS",
	ItemBloomParameter: "BLOOM_PARAMETER",
	ItemBloomFilter:    "BLOOM_FILTER",
	ItemBloomMask:      "BLOOM_MASK",
	ItemDstName:        "DST_NAME",
	ItemMakeName:       "MAKE_NAME",
	ItemAttachFlags:    "ATTACH_FLAGS",
	ItemID:             "ID",
	ItemName:           "NAME",
	ItemTimestamp:      "TIMESTAMP",
	ItemCreds:          "CREDS",
	ItemPIDComm:        "PID_COMM",
	ItemTIDComm:        "TID_COMM",
	ItemExe:            "EXE",
	ItemCmdline:        "CMDLINE",
	ItemCgroup:         "CGROUP",
	ItemCaps:           "CAPS",
	ItemSeclabel:       "SECLABEL",
	ItemAudit:          "AUDIT",
	ItemConnName:       "CONN_NAME",
	ItemNameAdd:        "NAME_ADD",
	ItemNameRemove:     "NAME_REMOVE",
	ItemNameChange:     "NAME_CHANGE",
	ItemIDAdd:          "ID_ADD",
	ItemIDRemove:       "ID_REMOVE",
	ItemReplyTimeout:   "REPLY_TIMEOUT",
	ItemReplyDead:      "REPLY_DEAD",
}

// ItemTypeName returns the conventional name of an item type.
func ItemTypeName(t item.Type) string {
	if n, ok := itemNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%#x)", uint64(t))
}

const (
	vecSize         = 16
	memfdSize       = 16
	bloomHeaderSize = 8
	nameHeaderSize  = 8
	timestampSize   = 24
	credsSize       = 40
	auditSize       = 16
	capsSize        = 32
)

// Vec is a PAYLOAD_VEC item: a range of the sender's memory to copy
// into the message payload. A zero Address marks a padding record,
// which carries no data.
type Vec struct {
	Size    uint64
	Address uint64
}

func decodeVec(bs []byte) Vec {
	return Vec{order.Uint64(bs), order.Uint64(bs[8:])}
}

func (v Vec) encode(bs []byte) {
	order.PutUint64(bs, v.Size)
	order.PutUint64(bs[8:], v.Address)
}

// Memfd is a PAYLOAD_MEMFD item: a sealed memory file attached as
// payload.
type Memfd struct {
	Size uint64
	FD   int32
}

func decodeMemfd(bs []byte) Memfd {
	return Memfd{order.Uint64(bs), int32(order.Uint32(bs[8:]))}
}

func (m Memfd) encode(bs []byte) {
	order.PutUint64(bs, m.Size)
	order.PutUint32(bs[8:], uint32(m.FD))
}

// BloomFilter is the bloom filter of a broadcast message.
type BloomFilter struct {
	Generation uint64
	Data       []uint64
}

func decodeBloom(bs []byte) BloomFilter {
	ret := BloomFilter{Generation: order.Uint64(bs)}
	for off := bloomHeaderSize; off+8 <= len(bs); off += 8 {
		ret.Data = append(ret.Data, order.Uint64(bs[off:]))
	}
	return ret
}

// BloomParameter describes the bloom filters a bus expects.
type BloomParameter struct {
	// Size is the size in bytes of bloom filter data.
	Size uint64 `toml:"size"`
	// Hashes is the number of hash functions used to set bits.
	Hashes uint64 `toml:"hashes"`
}

// OwnedName is a well-known name held by a connection.
type OwnedName struct {
	Flags uint64
	Name  string
}

// Timestamp records when metadata was collected.
type Timestamp struct {
	Seqnum      uint64
	MonotonicNS uint64
	RealtimeNS  uint64
}

// Creds are the numeric credentials of a process.
type Creds struct {
	UID       uint64
	GID       uint64
	PID       uint64
	TID       uint64
	StartTime uint64
}

// Audit is the audit identity of a process.
type Audit struct {
	SessionID uint64
	LoginUID  uint64
}

// Caps are the four capability sets of a process, one bit per
// capability number.
type Caps struct {
	Inheritable uint64
	Permitted   uint64
	Effective   uint64
	Bounding    uint64
}

func (c Caps) sets() [4]uint64 {
	return [4]uint64{c.Inheritable, c.Permitted, c.Effective, c.Bounding}
}

// mask clears the bits of capabilities numbered above last.
func (c Caps) mask(last int) Caps {
	if last < 0 {
		return Caps{}
	}
	if last >= 63 {
		return c
	}
	m := uint64(1)<<(last+1) - 1
	return Caps{c.Inheritable & m, c.Permitted & m, c.Effective & m, c.Bounding & m}
}

// encode writes each set as two 32-bit words, low word first.
func (c Caps) encode(bs []byte) {
	for i, s := range c.sets() {
		order.PutUint32(bs[8*i:], uint32(s))
		order.PutUint32(bs[8*i+4:], uint32(s>>32))
	}
}

func decodeCaps(bs []byte) Caps {
	var s [4]uint64
	for i := range s {
		s[i] = uint64(order.Uint32(bs[8*i:])) | uint64(order.Uint32(bs[8*i+4:]))<<32
	}
	return Caps{s[0], s[1], s[2], s[3]}
}

// DecodeItem returns a structured view of it, for the item types
// that have one. Strings are returned without their NUL terminator,
// and unknown types as their raw payload.
func DecodeItem(it item.Item) (any, error) {
	p := it.Payload
	need := func(n int) error {
		if len(p) < n {
			return fmt.Errorf("%s item payload is %d bytes, want at least %d", ItemTypeName(it.Type), len(p), n)
		}
		return nil
	}
	switch it.Type {
	case ItemPayloadVec, ItemPayloadOff:
		if err := need(vecSize); err != nil {
			return nil, err
		}
		return decodeVec(p), nil
	case ItemPayloadMemfd:
		if err := need(memfdSize); err != nil {
			return nil, err
		}
		return decodeMemfd(p), nil
	case ItemFDs:
		fds := make([]int32, len(p)/4)
		for i := range fds {
			fds[i] = int32(order.Uint32(p[4*i:]))
		}
		return fds, nil
	case ItemBloomFilter, ItemBloomMask:
		if err := need(bloomHeaderSize); err != nil {
			return nil, err
		}
		return decodeBloom(p), nil
	case ItemBloomParameter:
		if err := need(16); err != nil {
			return nil, err
		}
		return BloomParameter{order.Uint64(p), order.Uint64(p[8:])}, nil
	case ItemDstName, ItemMakeName, ItemPIDComm, ItemTIDComm, ItemExe, ItemCgroup, ItemConnName:
		s, ok := it.CString()
		if !ok {
			return nil, fmt.Errorf("%s item is not a NUL-terminated string", ItemTypeName(it.Type))
		}
		return s, nil
	case ItemName:
		if err := need(nameHeaderSize + 1); err != nil {
			return nil, err
		}
		s, ok := item.Item{Payload: p[nameHeaderSize:]}.CString()
		if !ok {
			return nil, fmt.Errorf("NAME item is not a NUL-terminated string")
		}
		return OwnedName{order.Uint64(p), s}, nil
	case ItemAttachFlags, ItemID:
		if err := need(8); err != nil {
			return nil, err
		}
		if it.Type == ItemAttachFlags {
			return AttachFlags(order.Uint64(p)), nil
		}
		return order.Uint64(p), nil
	case ItemTimestamp:
		if err := need(timestampSize); err != nil {
			return nil, err
		}
		return Timestamp{order.Uint64(p), order.Uint64(p[8:]), order.Uint64(p[16:])}, nil
	case ItemCreds:
		if err := need(credsSize); err != nil {
			return nil, err
		}
		return Creds{order.Uint64(p), order.Uint64(p[8:]), order.Uint64(p[16:]), order.Uint64(p[24:]), order.Uint64(p[32:])}, nil
	case ItemAudit:
		if err := need(auditSize); err != nil {
			return nil, err
		}
		return Audit{order.Uint64(p), order.Uint64(p[8:])}, nil
	case ItemCaps:
		if err := need(capsSize); err != nil {
			return nil, err
		}
		return decodeCaps(p), nil
	default:
		return p, nil
	}
}
