package kdbus

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Limits are the resource limits a bus enforces on messages and
// metadata.
type Limits struct {
	// MaxMsgSize is the largest message, header and items, that can
	// be sent.
	MaxMsgSize uint64 `toml:"max_msg_size"`
	// MaxItems is the most items a message may carry.
	MaxItems int `toml:"max_items"`
	// MaxFDs is the most file descriptors a message may carry.
	MaxFDs int `toml:"max_fds"`
	// MaxPayloadVecSize is the largest total payload that
	// unprivileged senders may attach through PAYLOAD_VEC items.
	MaxPayloadVecSize uint64 `toml:"max_payload_vec_size"`
	// MaxMetaSize caps the size of a single metadata item stream.
	MaxMetaSize int `toml:"max_meta_size"`
}

// DefaultLimits are the limits of the kdbus kernel module.
var DefaultLimits = Limits{
	MaxMsgSize:        8 << 10,
	MaxItems:          128,
	MaxFDs:            253,
	MaxPayloadVecSize: 8 << 20,
	MaxMetaSize:       1 << 20,
}

// Bus is the shared state of a message bus that message and metadata
// processing depends on.
//
// A Bus must not be copied after first use.
type Bus struct {
	// Name is the bus name, for diagnostics.
	Name string `toml:"name"`
	// Bloom are the bloom filter parameters of the bus. Every
	// broadcast message must carry a bloom filter of exactly
	// Bloom.Size bytes.
	Bloom BloomParameter `toml:"bloom"`
	// Limits are the bus's resource limits.
	Limits Limits `toml:"limits"`

	// Logf, if non-nil, receives debug logging about rejected
	// messages.
	Logf func(format string, args ...any) `toml:"-"`

	seq atomic.Uint64
}

// NewBus returns a bus with the given bloom parameters and the
// default limits.
func NewBus(name string, bloom BloomParameter) (*Bus, error) {
	ret := &Bus{
		Name:   name,
		Bloom:  bloom,
		Limits: DefaultLimits,
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

// Validate checks that the bus parameters are usable.
func (b *Bus) Validate() error {
	if b.Bloom.Size == 0 || b.Bloom.Size%8 != 0 {
		return fmt.Errorf("bloom size %d is not a positive multiple of 8", b.Bloom.Size)
	}
	if b.Bloom.Hashes == 0 {
		return errors.New("bloom filter needs at least one hash function")
	}
	if b.Limits.MaxMsgSize < HeaderSize {
		return fmt.Errorf("max message size %d is smaller than the message header", b.Limits.MaxMsgSize)
	}
	if b.Limits.MaxItems <= 0 {
		return fmt.Errorf("max items %d must be positive", b.Limits.MaxItems)
	}
	if b.Limits.MaxFDs < 0 {
		return fmt.Errorf("max fds %d must not be negative", b.Limits.MaxFDs)
	}
	if b.Limits.MaxMetaSize < 0 {
		return fmt.Errorf("max metadata size %d must not be negative", b.Limits.MaxMetaSize)
	}
	return nil
}

// NextSeq returns the next message sequence number of the bus.
// Sequence numbers start at 1.
func (b *Bus) NextSeq() uint64 {
	return b.seq.Add(1)
}

func (b *Bus) logf(msg string, args ...any) {
	if b.Logf == nil {
		return
	}
	b.Logf(msg, args...)
}
