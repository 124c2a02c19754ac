package kdbus

import (
	"math"

	"github.com/danderson/kdbus/item"
	"golang.org/x/sys/unix"
)

// scan walks the message's items, enforcing per-item rules and
// recording the well-known items, then checks that the items agree
// with the header's addressing.
func (m *Message) scan(conn *Conn) error {
	lim := conn.bus.Limits
	var (
		count                     int
		vecsTotal                 uint64
		hasBloom, hasName, hasFDs bool
	)

	d := item.Decoder{Order: order, In: m.buf[HeaderSize:]}
	for {
		it, ok := d.Next()
		if !ok {
			break
		}
		count++
		if count > lim.MaxItems {
			return policy(unix.E2BIG, "message has more than %d items", lim.MaxItems)
		}

		switch it.Type {
		case ItemPayloadVec:
			if len(it.Payload) != vecSize {
				return policy(unix.EINVAL, "PAYLOAD_VEC payload is %d bytes, want %d", len(it.Payload), vecSize)
			}
			v := decodeVec(it.Payload)
			if v.Size == 0 {
				return policy(unix.EINVAL, "empty PAYLOAD_VEC")
			}
			if vecsTotal > math.MaxUint64-v.Size {
				vecsTotal = math.MaxUint64
			} else {
				vecsTotal += v.Size
			}
			if vecsTotal > lim.MaxPayloadVecSize && !conn.privileged {
				return policy(unix.EMSGSIZE, "PAYLOAD_VEC items exceed %d bytes", lim.MaxPayloadVecSize)
			}
			if v.Address != 0 {
				m.VecsSize += v.Size
			} else {
				m.VecsSize += v.Size % 8
			}
			m.VecsCount++

		case ItemPayloadMemfd:
			if m.Broadcast() {
				return policy(unix.ENOTUNIQ, "cannot broadcast a PAYLOAD_MEMFD")
			}
			if len(it.Payload) != memfdSize {
				return policy(unix.EINVAL, "PAYLOAD_MEMFD payload is %d bytes, want %d", len(it.Payload), memfdSize)
			}
			mfd := decodeMemfd(it.Payload)
			if mfd.FD < 0 {
				return policy(unix.EBADF, "PAYLOAD_MEMFD has invalid fd %d", mfd.FD)
			}
			if mfd.Size == 0 {
				return policy(unix.EINVAL, "empty PAYLOAD_MEMFD")
			}
			m.MemfdsCount++

		case ItemFDs:
			if hasFDs {
				return policy(unix.EEXIST, "duplicate FDS item")
			}
			hasFDs = true
			if m.Broadcast() {
				return policy(unix.ENOTUNIQ, "cannot broadcast file descriptors")
			}
			if n := len(it.Payload) / 4; n > lim.MaxFDs {
				return policy(unix.EMFILE, "FDS item carries %d descriptors, limit is %d", n, lim.MaxFDs)
			}
			m.fds = it.Payload

		case ItemBloomFilter:
			if hasBloom {
				return policy(unix.EEXIST, "duplicate BLOOM_FILTER item")
			}
			hasBloom = true
			if !m.Broadcast() {
				return policy(unix.EBADMSG, "bloom filter on a message that is not a broadcast")
			}
			if len(it.Payload) < bloomHeaderSize {
				return policy(unix.EINVAL, "BLOOM_FILTER payload is %d bytes, shorter than its header", len(it.Payload))
			}
			bloomSize := uint64(len(it.Payload) - bloomHeaderSize)
			if bloomSize%8 != 0 {
				return policy(unix.EFAULT, "bloom filter size %d is not a multiple of 8", bloomSize)
			}
			if bloomSize != conn.bus.Bloom.Size {
				return policy(unix.EDOM, "bloom filter size %d, bus uses %d", bloomSize, conn.bus.Bloom.Size)
			}
			m.bloom = it.Payload

		case ItemDstName:
			if hasName {
				return policy(unix.EEXIST, "duplicate DST_NAME item")
			}
			hasName = true
			name, ok := it.CString()
			if !ok {
				return policy(unix.EINVAL, "DST_NAME is not a NUL-terminated string")
			}
			if !ValidName(name, false) {
				return policy(unix.EINVAL, "invalid destination name %q", name)
			}
			m.dstName = name
		}
	}
	if err := d.Err(); err != nil {
		return malformed(err)
	}

	if m.ByName() && !hasName {
		return policy(unix.EDESTADDRREQ, "message addressed by name has no DST_NAME")
	}
	if m.Unicast() && hasName {
		return policy(unix.EBADMSG, "message has both a destination id and a DST_NAME")
	}
	if m.Broadcast() {
		if !hasBloom {
			return policy(unix.EBADMSG, "broadcast message has no bloom filter")
		}
		if m.Timeout > 0 {
			return policy(unix.ENOTUNIQ, "broadcast message has a timeout")
		}
	}
	if hasName && hasBloom {
		return policy(unix.EBADMSG, "message has both a DST_NAME and a bloom filter")
	}
	return nil
}
