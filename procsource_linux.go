//go:build linux

package kdbus

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/cgroups"
	"github.com/creachadair/mds/value"
	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
)

// userHZ is the unit of process start times in /proc/<pid>/stat.
const userHZ = 100

// ProcSource is a Source that reads process facts from procfs.
type ProcSource struct {
	// PID is the process to describe.
	PID int
	// TID is the thread whose name is reported. Zero means the
	// process's main thread.
	TID int
	// Root is the procfs mount point. Empty means /proc.
	Root string
}

var (
	_ CgroupSource   = (*ProcSource)(nil)
	_ AuditSource    = (*ProcSource)(nil)
	_ SecuritySource = (*ProcSource)(nil)
)

// NewProcSource returns a ProcSource for pid. If pid is the calling
// process, thread names are those of the calling thread.
func NewProcSource(pid int) *ProcSource {
	ret := &ProcSource{PID: pid}
	if pid == os.Getpid() {
		ret.TID = unix.Gettid()
	}
	return ret
}

func (p *ProcSource) path(elems ...string) string {
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	return filepath.Join(append([]string{root, strconv.Itoa(p.PID)}, elems...)...)
}

func (p *ProcSource) tid() int {
	if p.TID == 0 {
		return p.PID
	}
	return p.TID
}

func (p *ProcSource) readTrimmed(elems ...string) (string, bool) {
	bs, err := os.ReadFile(p.path(elems...))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(bs), "\n\x00"), true
}

func (p *ProcSource) Credentials() value.Maybe[Creds] {
	status, err := os.ReadFile(p.path("status"))
	if err != nil {
		return value.Absent[Creds]()
	}
	ret := Creds{
		PID: uint64(p.PID),
		TID: uint64(p.tid()),
	}
	var haveUID, haveGID bool
	for _, line := range strings.Split(string(status), "\n") {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fs := strings.Fields(rest)
		if len(fs) == 0 {
			continue
		}
		switch key {
		case "Uid":
			ret.UID, err = strconv.ParseUint(fs[0], 10, 64)
			haveUID = err == nil
		case "Gid":
			ret.GID, err = strconv.ParseUint(fs[0], 10, 64)
			haveGID = err == nil
		}
	}
	if !haveUID || !haveGID {
		return value.Absent[Creds]()
	}
	if st, ok := p.startTime(); ok {
		ret.StartTime = st
	}
	return value.Just(ret)
}

// startTime returns the process start time in nanoseconds since
// boot.
func (p *ProcSource) startTime() (uint64, bool) {
	bs, err := os.ReadFile(p.path("stat"))
	if err != nil {
		return 0, false
	}
	// The command name can contain anything, including spaces and
	// parens. Fields resume after the last ')'.
	idx := bytes.LastIndexByte(bs, ')')
	if idx < 0 {
		return 0, false
	}
	fs := strings.Fields(string(bs[idx+1:]))
	// fs[0] is field 3 of the stat line, starttime is field 22.
	if len(fs) < 20 {
		return 0, false
	}
	ticks, err := strconv.ParseUint(fs[19], 10, 64)
	if err != nil {
		return 0, false
	}
	return ticks * uint64(time.Second) / userHZ, true
}

func (p *ProcSource) ProcessName() value.Maybe[string] {
	return maybe(p.readTrimmed("comm"))
}

func (p *ProcSource) ThreadName() value.Maybe[string] {
	return maybe(p.readTrimmed("task", strconv.Itoa(p.tid()), "comm"))
}

func (p *ProcSource) ExecutablePath() value.Maybe[string] {
	exe, err := os.Readlink(p.path("exe"))
	if err != nil {
		return value.Absent[string]()
	}
	return value.Just(exe)
}

func (p *ProcSource) CommandLine() value.Maybe[[]byte] {
	bs, err := os.ReadFile(p.path("cmdline"))
	if err != nil || len(bs) == 0 {
		return value.Absent[[]byte]()
	}
	return value.Just(bs)
}

func (p *ProcSource) Capabilities() value.Maybe[CapabilitySets] {
	caps, err := capability.NewPid2(p.PID)
	if err != nil {
		return value.Absent[CapabilitySets]()
	}
	if err := caps.Load(); err != nil {
		return value.Absent[CapabilitySets]()
	}
	last, err := capability.LastCap()
	if err != nil {
		return value.Absent[CapabilitySets]()
	}
	var ret CapabilitySets
	ret.LastCap = int(last)
	for c := capability.Cap(0); c <= last && c < 64; c++ {
		bit := uint64(1) << c
		if caps.Get(capability.INHERITABLE, c) {
			ret.Inheritable |= bit
		}
		if caps.Get(capability.PERMITTED, c) {
			ret.Permitted |= bit
		}
		if caps.Get(capability.EFFECTIVE, c) {
			ret.Effective |= bit
		}
		if caps.Get(capability.BOUNDING, c) {
			ret.Bounding |= bit
		}
	}
	return value.Just(ret)
}

// CgroupPath returns the unified hierarchy path of the process if it
// has one, and otherwise its path in the systemd named hierarchy, or
// the first controller hierarchy.
func (p *ProcSource) CgroupPath() value.Maybe[string] {
	groups, err := cgroups.ParseCgroupFile(p.path("cgroup"))
	if err != nil || len(groups) == 0 {
		return value.Absent[string]()
	}
	for _, k := range []string{"", "name=systemd"} {
		if path, ok := groups[k]; ok {
			return value.Just(path)
		}
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return value.Just(groups[keys[0]])
}

func (p *ProcSource) AuditInfo() value.Maybe[Audit] {
	login, ok := p.readUint("loginuid")
	if !ok {
		return value.Absent[Audit]()
	}
	session, ok := p.readUint("sessionid")
	if !ok {
		return value.Absent[Audit]()
	}
	return value.Just(Audit{SessionID: session, LoginUID: login})
}

func (p *ProcSource) SecurityLabel() value.Maybe[[]byte] {
	bs, err := os.ReadFile(p.path("attr", "current"))
	if err != nil {
		return value.Absent[[]byte]()
	}
	bs = bytes.TrimRight(bs, "\n\x00")
	if len(bs) == 0 {
		return value.Absent[[]byte]()
	}
	return value.Just(bs)
}

func (p *ProcSource) readUint(name string) (uint64, bool) {
	s, ok := p.readTrimmed(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func maybe[T any](v T, ok bool) value.Maybe[T] {
	if !ok {
		return value.Absent[T]()
	}
	return value.Just(v)
}
