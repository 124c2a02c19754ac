package item

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// ByteOrder is the byte order used for item headers and the
// multi-byte fields of item payloads.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

var (
	BigEndian    ByteOrder = binary.BigEndian
	LittleEndian ByteOrder = binary.LittleEndian
	// NativeEndian is the byte order of the running machine. kdbus
	// streams are always in native order.
	NativeEndian ByteOrder = nativeOrder()
)

func nativeOrder() ByteOrder {
	if cpu.IsBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
