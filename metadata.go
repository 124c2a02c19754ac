package kdbus

import (
	"errors"
	"iter"

	"github.com/danderson/kdbus/item"
	"golang.org/x/sys/unix"
)

const (
	// maxCommLen is the longest process or thread name recorded,
	// excluding the terminating NUL.
	maxCommLen = 15
	// maxCmdlineLen is the longest command line recorded.
	maxCmdlineLen = 4096
)

// Metadata is an item stream describing the process behind a
// connection: its credentials, names, executable and so on.
//
// Metadata is built up incrementally. Each category of data is
// collected at most once, the first time it is requested, and is
// never recomputed afterwards. Metadata is owned by a single
// connection or message, and is not safe for concurrent use.
type Metadata struct {
	src      Source
	clock    func() (monotonicNS, realtimeNS uint64)
	attached AttachFlags
	enc      item.Encoder
}

// MetadataOption configures a Metadata.
type MetadataOption func(*Metadata)

// WithClock sets the clock used for TIMESTAMP items.
func WithClock(clock func() (monotonicNS, realtimeNS uint64)) MetadataOption {
	return func(m *Metadata) { m.clock = clock }
}

// WithMaxSize limits the metadata item stream to n bytes. Zero means
// no limit.
func WithMaxSize(n int) MetadataOption {
	return func(m *Metadata) { m.enc.Max = n }
}

// NewMetadata returns empty metadata that collects process facts
// from src. src may be nil.
func NewMetadata(src Source, opts ...MetadataOption) *Metadata {
	if src == nil {
		src = noSource{}
	}
	ret := &Metadata{
		src:   src,
		clock: hostClock,
		enc:   item.Encoder{Order: order},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// category is one kind of metadata, and how to collect it.
type category struct {
	flag AttachFlags
	// available reports whether the category can be collected at
	// all. Unavailable categories are skipped and stay unattached.
	available func(m *Metadata, conn *Conn) bool
	collect   func(m *Metadata, conn *Conn, seq uint64) error
}

// categories lists metadata categories in the order their items
// appear in the stream.
var categories = []category{
	{AttachTimestamp, always, (*Metadata).appendTimestamp},
	{AttachCreds, always, (*Metadata).appendCreds},
	{AttachNames, hasConn, (*Metadata).appendNames},
	{AttachComm, always, (*Metadata).appendComm},
	{AttachExe, always, (*Metadata).appendExe},
	{AttachCmdline, always, (*Metadata).appendCmdline},
	{AttachCaps, always, (*Metadata).appendCaps},
	{AttachCgroup, implements[CgroupSource], (*Metadata).appendCgroup},
	{AttachAudit, implements[AuditSource], (*Metadata).appendAudit},
	{AttachSeclabel, implements[SecuritySource], (*Metadata).appendSeclabel},
	{AttachConnName, hasConnName, (*Metadata).appendConnName},
}

func always(*Metadata, *Conn) bool { return true }

func hasConn(_ *Metadata, conn *Conn) bool { return conn != nil }

func hasConnName(_ *Metadata, conn *Conn) bool { return conn != nil && conn.name != "" }

func implements[T Source](m *Metadata, _ *Conn) bool {
	_, ok := m.src.(T)
	return ok
}

// Append collects the categories of which that are not attached yet,
// and appends their items. conn is the connection the metadata
// describes, and may be nil. seq is recorded in the TIMESTAMP item.
//
// Requesting an already attached category is a no-op. Categories
// that cannot be collected on this system are skipped and stay
// unattached.
//
// If collecting a category fails, Append discards the items that
// category wrote and returns the error. Categories collected earlier
// in the same call remain attached, and a later Append skips them.
func (m *Metadata) Append(conn *Conn, seq uint64, which AttachFlags) error {
	mask := which.Missing(m.attached)
	if mask == 0 {
		return nil
	}
	for _, c := range categories {
		if !mask.Has(c.flag) || !c.available(m, conn) {
			continue
		}
		mark := m.enc.Len()
		if err := c.collect(m, conn, seq); err != nil {
			// A category is all or nothing: drop its partial items.
			m.enc.Truncate(mark)
			if errors.Is(err, item.ErrNoMemory) {
				return exhausted(err)
			}
			return err
		}
		m.attached = m.attached.Union(c.flag)
	}
	return nil
}

// Attached returns the categories collected so far.
func (m *Metadata) Attached() AttachFlags {
	return m.attached
}

// Bytes returns the metadata item stream. The slice is invalidated
// by the next Append.
func (m *Metadata) Bytes() []byte {
	return m.enc.Bytes()
}

// Size returns the size of the metadata item stream.
func (m *Metadata) Size() int {
	return m.enc.Len()
}

// Items iterates over the metadata items.
func (m *Metadata) Items() iter.Seq2[item.Item, error] {
	return item.Items(order, m.enc.Bytes())
}

// Free releases the metadata's buffer. Freed metadata is empty, and
// has nothing attached.
func (m *Metadata) Free() {
	m.enc.Reset()
	m.attached = 0
}

func (m *Metadata) appendTimestamp(_ *Conn, seq uint64) error {
	mono, wall := m.clock()
	return m.enc.AppendUint64s(ItemTimestamp, seq, mono, wall)
}

func (m *Metadata) appendCreds(*Conn, uint64) error {
	c, ok := m.src.Credentials().GetOK()
	if !ok {
		return nil
	}
	return m.enc.AppendUint64s(ItemCreds, c.UID, c.GID, c.PID, c.TID, c.StartTime)
}

func (m *Metadata) appendNames(conn *Conn, _ uint64) error {
	for _, n := range conn.Names() {
		p, err := m.enc.Append(ItemName, nameHeaderSize+len(n.Name)+1)
		if err != nil {
			return err
		}
		order.PutUint64(p, n.Flags)
		copy(p[nameHeaderSize:], n.Name)
	}
	return nil
}

func (m *Metadata) appendComm(*Conn, uint64) error {
	if pc, ok := m.src.ProcessName().GetOK(); ok {
		if err := m.enc.AppendString(ItemPIDComm, truncate(pc, maxCommLen)); err != nil {
			return err
		}
	}
	if tc, ok := m.src.ThreadName().GetOK(); ok {
		if err := m.enc.AppendString(ItemTIDComm, truncate(tc, maxCommLen)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metadata) appendExe(*Conn, uint64) error {
	exe, ok := m.src.ExecutablePath().GetOK()
	if !ok || exe == "" {
		return nil
	}
	return m.enc.AppendString(ItemExe, exe)
}

func (m *Metadata) appendCmdline(*Conn, uint64) error {
	cmdline, ok := m.src.CommandLine().GetOK()
	if !ok {
		return nil
	}
	if len(cmdline) > maxCmdlineLen {
		cmdline = cmdline[:maxCmdlineLen]
	}
	return m.enc.AppendData(ItemCmdline, cmdline)
}

func (m *Metadata) appendCaps(*Conn, uint64) error {
	cs, ok := m.src.Capabilities().GetOK()
	if !ok {
		return nil
	}
	p, err := m.enc.Append(ItemCaps, capsSize)
	if err != nil {
		return err
	}
	cs.Caps.mask(cs.LastCap).encode(p)
	return nil
}

func (m *Metadata) appendCgroup(*Conn, uint64) error {
	path, ok := m.src.(CgroupSource).CgroupPath().GetOK()
	if !ok || path == "" {
		return nil
	}
	return m.enc.AppendString(ItemCgroup, path)
}

func (m *Metadata) appendAudit(*Conn, uint64) error {
	a, ok := m.src.(AuditSource).AuditInfo().GetOK()
	if !ok {
		return nil
	}
	return m.enc.AppendUint64s(ItemAudit, a.SessionID, a.LoginUID)
}

func (m *Metadata) appendSeclabel(*Conn, uint64) error {
	label, ok := m.src.(SecuritySource).SecurityLabel().GetOK()
	if !ok {
		return nil
	}
	return m.enc.AppendData(ItemSeclabel, label)
}

func (m *Metadata) appendConnName(conn *Conn, _ uint64) error {
	return m.enc.AppendString(ItemConnName, conn.name)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func hostClock() (monotonicNS, realtimeNS uint64) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err == nil {
		monotonicNS = uint64(ts.Nano())
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err == nil {
		realtimeNS = uint64(ts.Nano())
	}
	return monotonicNS, realtimeNS
}
