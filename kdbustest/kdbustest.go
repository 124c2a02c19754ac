// Package kdbustest provides helpers for testing code that handles
// kdbus messages and metadata.
package kdbustest

import (
	"testing"

	"github.com/creachadair/mds/value"
	"github.com/danderson/kdbus"
)

// BloomSize is the bloom filter size of buses returned by [NewBus].
const BloomSize = 64

// NewBus returns a bus with [BloomSize] byte bloom filters and the
// default limits.
func NewBus(t testing.TB) *kdbus.Bus {
	t.Helper()
	bus, err := kdbus.NewBus(t.Name(), kdbus.BloomParameter{Size: BloomSize, Hashes: 8})
	if err != nil {
		t.Fatalf("creating test bus: %v", err)
	}
	bus.Logf = t.Logf
	return bus
}

// NewConn returns a connection on bus, and closes it when the test
// ends.
func NewConn(t testing.TB, bus *kdbus.Bus, id uint64, opts kdbus.ConnOptions) *kdbus.Conn {
	t.Helper()
	conn, err := kdbus.NewConn(bus, id, opts)
	if err != nil {
		t.Fatalf("creating test connection %d: %v", id, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

// BloomData returns bloom filter data of the size [NewBus] buses
// expect.
func BloomData() []uint64 {
	return make([]uint64, BloomSize/8)
}

// BaseSource is a kdbus.Source that returns fixed values, and
// reports how many times each fact was requested.
//
// BaseSource does not provide cgroup, audit or security label
// information. Use [Source] to get those too.
type BaseSource struct {
	Creds   value.Maybe[kdbus.Creds]
	Comm    value.Maybe[string]
	TComm   value.Maybe[string]
	Exe     value.Maybe[string]
	Cmdline value.Maybe[[]byte]
	Caps    value.Maybe[kdbus.CapabilitySets]

	// Calls counts requests per method name.
	Calls map[string]int
}

func (s *BaseSource) count(name string) {
	if s.Calls == nil {
		s.Calls = map[string]int{}
	}
	s.Calls[name]++
}

func (s *BaseSource) Credentials() value.Maybe[kdbus.Creds] {
	s.count("Credentials")
	return s.Creds
}

func (s *BaseSource) ProcessName() value.Maybe[string] {
	s.count("ProcessName")
	return s.Comm
}

func (s *BaseSource) ThreadName() value.Maybe[string] {
	s.count("ThreadName")
	return s.TComm
}

func (s *BaseSource) ExecutablePath() value.Maybe[string] {
	s.count("ExecutablePath")
	return s.Exe
}

func (s *BaseSource) CommandLine() value.Maybe[[]byte] {
	s.count("CommandLine")
	return s.Cmdline
}

func (s *BaseSource) Capabilities() value.Maybe[kdbus.CapabilitySets] {
	s.count("Capabilities")
	return s.Caps
}

// Source is a BaseSource that also provides cgroup, audit and
// security label information.
type Source struct {
	BaseSource
	Cgroup   value.Maybe[string]
	Audit    value.Maybe[kdbus.Audit]
	Seclabel value.Maybe[[]byte]
}

func (s *Source) CgroupPath() value.Maybe[string] {
	s.count("CgroupPath")
	return s.Cgroup
}

func (s *Source) AuditInfo() value.Maybe[kdbus.Audit] {
	s.count("AuditInfo")
	return s.Audit
}

func (s *Source) SecurityLabel() value.Maybe[[]byte] {
	s.count("SecurityLabel")
	return s.Seclabel
}

// FullSource returns a Source that provides a value for every fact.
func FullSource() *Source {
	return &Source{
		BaseSource: BaseSource{
			Creds:   value.Just(kdbus.Creds{UID: 1000, GID: 1000, PID: 4242, TID: 4243, StartTime: 123456789}),
			Comm:    value.Just("test-daemon"),
			TComm:   value.Just("worker"),
			Exe:     value.Just("/usr/bin/test-daemon"),
			Cmdline: value.Just([]byte("test-daemon\x00--verbose\x00")),
			Caps: value.Just(kdbus.CapabilitySets{
				Caps:    kdbus.Caps{Inheritable: 0, Permitted: ^uint64(0), Effective: 1 << 21, Bounding: ^uint64(0)},
				LastCap: 40,
			}),
		},
		Cgroup:   value.Just("/user.slice/test.service"),
		Audit:    value.Just(kdbus.Audit{SessionID: 3, LoginUID: 1000}),
		Seclabel: value.Just([]byte("unconfined")),
	}
}
