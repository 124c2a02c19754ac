package kdbus_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danderson/kdbus"
	"github.com/danderson/kdbus/item"
	"github.com/danderson/kdbus/kdbustest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const (
	senderID = 7
	peerID   = 9
)

func broadcast() *kdbus.Builder {
	return kdbus.NewBuilder(kdbus.DstIDBroadcast).Bloom(1, kdbustest.BloomData())
}

func byName(name string) *kdbus.Builder {
	return kdbus.NewBuilder(kdbus.DstIDName).DstName(name)
}

func withHeader(b *kdbus.Builder, fn func(*kdbus.Header)) *kdbus.Builder {
	fn(&b.Header)
	return b
}

func build(t *testing.T, b *kdbus.Builder) []byte {
	t.Helper()
	bs, err := b.Bytes()
	if err != nil {
		t.Fatalf("building message: %v", err)
	}
	return bs
}

// appendGarbage appends n bytes after the items of msg, and adjusts
// the declared size to cover them.
func appendGarbage(msg []byte, n int) []byte {
	ret := append(bytes.Clone(msg), make([]byte, n)...)
	item.NativeEndian.PutUint64(ret, uint64(len(ret)))
	return ret
}

func TestNewMessage(t *testing.T) {
	manyFDs := make([]int32, 254)
	tooManyItems := kdbus.NewBuilder(peerID)
	for range 129 {
		tooManyItems.Vec(1, 0x1000)
	}
	maxItems := kdbus.NewBuilder(peerID)
	for range 128 {
		maxItems.Vec(1, 0x1000)
	}

	tests := []struct {
		name      string
		msg       *kdbus.Builder
		opts      kdbus.ConnOptions
		wantErrno unix.Errno
		wantKind  kdbus.ErrorKind
	}{
		{
			name: "unicast",
			msg:  kdbus.NewBuilder(peerID).Vec(100, 0x1000),
		},
		{
			name: "no items",
			msg:  kdbus.NewBuilder(peerID),
		},
		{
			name: "broadcast",
			msg:  broadcast(),
		},
		{
			name:      "broadcast without bloom",
			msg:       kdbus.NewBuilder(kdbus.DstIDBroadcast),
			wantErrno: unix.EBADMSG,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "broadcast with timeout",
			msg:       withHeader(broadcast(), func(h *kdbus.Header) { h.Timeout = 1e9 }),
			wantErrno: unix.ENOTUNIQ,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "bloom on unicast",
			msg:       kdbus.NewBuilder(peerID).Bloom(1, kdbustest.BloomData()),
			wantErrno: unix.EBADMSG,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "bloom size mismatch",
			msg:       kdbus.NewBuilder(kdbus.DstIDBroadcast).Bloom(1, make([]uint64, kdbustest.BloomSize/8+1)),
			wantErrno: unix.EDOM,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "bloom not multiple of 8",
			msg:       kdbus.NewBuilder(kdbus.DstIDBroadcast).Item(kdbus.ItemBloomFilter, make([]byte, 8+12)),
			wantErrno: unix.EFAULT,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "bloom shorter than header",
			msg:       kdbus.NewBuilder(kdbus.DstIDBroadcast).Item(kdbus.ItemBloomFilter, make([]byte, 4)),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "duplicate bloom",
			msg:       broadcast().Bloom(2, kdbustest.BloomData()),
			wantErrno: unix.EEXIST,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "by name",
			msg:  byName("org.example.Service"),
		},
		{
			name:      "by name without name",
			msg:       kdbus.NewBuilder(kdbus.DstIDName),
			wantErrno: unix.EDESTADDRREQ,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "name and id",
			msg:       kdbus.NewBuilder(peerID).DstName("org.example.Service"),
			wantErrno: unix.EBADMSG,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "duplicate name",
			msg:       byName("org.example.A").DstName("org.example.B"),
			wantErrno: unix.EEXIST,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "duplicate identical name",
			msg:       byName("org.example.A").DstName("org.example.A"),
			wantErrno: unix.EEXIST,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "invalid name",
			msg:       byName("example"),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "unterminated name",
			msg:       kdbus.NewBuilder(kdbus.DstIDName).Item(kdbus.ItemDstName, []byte("org.example")),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "broadcast with name",
			msg:       broadcast().DstName("org.example.Service"),
			wantErrno: unix.EBADMSG,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "empty vec",
			msg:       kdbus.NewBuilder(peerID).Vec(0, 0x1000),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "short vec",
			msg:       kdbus.NewBuilder(peerID).Item(kdbus.ItemPayloadVec, make([]byte, 8)),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "vecs over limit",
			msg:       kdbus.NewBuilder(peerID).Vec(8<<20, 0x1000).Vec(1, 0x1000),
			wantErrno: unix.EMSGSIZE,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "vecs at limit",
			msg:  kdbus.NewBuilder(peerID).Vec(8<<20-1, 0x1000).Vec(1, 0x1000),
		},
		{
			name: "privileged vecs over limit",
			msg:  kdbus.NewBuilder(peerID).Vec(8<<20, 0x1000).Vec(^uint64(0), 0x1000),
			opts: kdbus.ConnOptions{Privileged: true},
		},
		{
			name: "memfd",
			msg:  kdbus.NewBuilder(peerID).Memfd(4096, 3),
		},
		{
			name:      "broadcast memfd",
			msg:       broadcast().Memfd(4096, 3),
			wantErrno: unix.ENOTUNIQ,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "negative memfd",
			msg:       kdbus.NewBuilder(peerID).Memfd(4096, -1),
			wantErrno: unix.EBADF,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "empty memfd",
			msg:       kdbus.NewBuilder(peerID).Memfd(0, 3),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "fds",
			msg:  kdbus.NewBuilder(peerID).FDs(3, 4, 5),
		},
		{
			name:      "duplicate fds",
			msg:       kdbus.NewBuilder(peerID).FDs(3).FDs(4),
			wantErrno: unix.EEXIST,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "broadcast fds",
			msg:       broadcast().FDs(3),
			wantErrno: unix.ENOTUNIQ,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "too many fds",
			msg:       kdbus.NewBuilder(peerID).FDs(manyFDs...),
			wantErrno: unix.EMFILE,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "max items",
			msg:  maxItems,
		},
		{
			name:      "too many items",
			msg:       tooManyItems,
			wantErrno: unix.E2BIG,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "unknown item",
			msg:  kdbus.NewBuilder(peerID).Item(0x4242, []byte("ignored")),
		},
		{
			name:      "kernel payload",
			msg:       withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) { h.PayloadType = kdbus.PayloadKernel }),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindForgery,
		},
		{
			name: "expect reply",
			msg: withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) {
				h.Flags = kdbus.FlagExpectReply | kdbus.FlagSyncReply
				h.Timeout = 1e9
			}),
		},
		{
			name:      "expect reply without timeout",
			msg:       withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) { h.Flags = kdbus.FlagExpectReply }),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "broadcast expecting reply",
			msg: withHeader(broadcast(), func(h *kdbus.Header) {
				h.Flags = kdbus.FlagExpectReply
				h.Timeout = 1e9
			}),
			wantErrno: unix.ENOTUNIQ,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name:      "sync reply alone",
			msg:       withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) { h.Flags = kdbus.FlagSyncReply }),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindPolicy,
		},
		{
			name: "own source id",
			msg:  withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) { h.SrcID = senderID }),
		},
		{
			name:      "spoofed source id",
			msg:       withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) { h.SrcID = 1234 }),
			wantErrno: unix.EINVAL,
			wantKind:  kdbus.KindForgery,
		},
		{
			name: "relayed source id",
			msg:  withHeader(kdbus.NewBuilder(peerID), func(h *kdbus.Header) { h.SrcID = 1234 }),
			opts: kdbus.ConnOptions{Agent: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bus := kdbustest.NewBus(t)
			conn := kdbustest.NewConn(t, bus, senderID, tc.opts)
			msg, err := kdbus.NewMessageBytes(conn, build(t, tc.msg))
			checkErr(t, err, tc.wantErrno, tc.wantKind)
			if tc.wantErrno != 0 {
				if msg != nil {
					t.Errorf("NewMessage returned a message alongside error %v", err)
				}
				return
			}
			if msg == nil {
				t.Fatal("NewMessage returned neither message nor error")
			}
			for _, err := range msg.Items() {
				if err != nil {
					t.Errorf("accepted message has malformed items: %v", err)
				}
			}
		})
	}
}

func checkErr(t *testing.T, err error, wantErrno unix.Errno, wantKind kdbus.ErrorKind) {
	t.Helper()
	if wantErrno == 0 {
		if err != nil {
			t.Fatalf("got err %v, want success", err)
		}
		return
	}
	if err == nil {
		t.Fatalf("got success, want %s", unix.ErrnoName(wantErrno))
	}
	if !errors.Is(err, wantErrno) {
		t.Errorf("got err %v, want %s", err, unix.ErrnoName(wantErrno))
	}
	var kerr kdbus.Error
	if !errors.As(err, &kerr) {
		t.Fatalf("err %v is not a kdbus.Error", err)
	}
	if kerr.Kind != wantKind {
		t.Errorf("got error kind %s, want %s", kerr.Kind, wantKind)
	}
	if testing.Verbose() {
		t.Logf("rejected: %v", err)
	}
}

func TestNewMessageMalformed(t *testing.T) {
	valid := build(t, kdbus.NewBuilder(peerID).Vec(100, 0x1000))

	tests := []struct {
		name string
		msg  []byte
	}{
		{"trailing partial header", appendGarbage(valid, 8)},
		{"zero-size item", appendGarbage(valid, 16)},
		{"overrunning item", func() []byte {
			bs := appendGarbage(valid, 16)
			item.NativeEndian.PutUint64(bs[len(valid):], 64)
			return bs
		}()},
		{"size inside header", func() []byte {
			bs := bytes.Clone(valid)
			item.NativeEndian.PutUint64(bs[kdbus.HeaderSize:], 15)
			return bs
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := kdbustest.NewConn(t, kdbustest.NewBus(t), senderID, kdbus.ConnOptions{})
			_, err := kdbus.NewMessageBytes(conn, tc.msg)
			checkErr(t, err, unix.EINVAL, kdbus.KindMalformed)
			if !errors.Is(err, item.ErrMalformed) {
				t.Errorf("err %v does not wrap item.ErrMalformed", err)
			}
		})
	}
}

// spyReader records the furthest byte read from it.
type spyReader struct {
	r   *bytes.Reader
	max int64
}

func (s *spyReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.r.ReadAt(p, off)
	if end := off + int64(n); end > s.max {
		s.max = end
	}
	return n, err
}

func TestNewMessageSizeBounds(t *testing.T) {
	valid := build(t, kdbus.NewBuilder(peerID).Vec(100, 0x1000))

	tests := []struct {
		name      string
		size      uint64
		wantErrno unix.Errno
		wantKind  kdbus.ErrorKind
		wantRead  int64
	}{
		{"too small", kdbus.HeaderSize - 8, unix.EMSGSIZE, kdbus.KindPolicy, 8},
		{"zero", 0, unix.EMSGSIZE, kdbus.KindPolicy, 8},
		{"too large", kdbus.DefaultLimits.MaxMsgSize + 8, unix.EMSGSIZE, kdbus.KindPolicy, 8},
		{"huge", ^uint64(0), unix.EMSGSIZE, kdbus.KindPolicy, 8},
		{"larger than source", uint64(len(valid)) + 64, unix.EFAULT, kdbus.KindMalformed, int64(len(valid))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := kdbustest.NewConn(t, kdbustest.NewBus(t), senderID, kdbus.ConnOptions{})
			bs := bytes.Clone(valid)
			item.NativeEndian.PutUint64(bs, tc.size)
			src := &spyReader{r: bytes.NewReader(bs)}
			msg, err := kdbus.NewMessage(conn, src)
			checkErr(t, err, tc.wantErrno, tc.wantKind)
			if msg != nil {
				t.Errorf("got message alongside error")
			}
			if src.max != tc.wantRead {
				t.Errorf("read %d bytes of source, want %d", src.max, tc.wantRead)
			}
		})
	}

	t.Run("empty source", func(t *testing.T) {
		conn := kdbustest.NewConn(t, kdbustest.NewBus(t), senderID, kdbus.ConnOptions{})
		_, err := kdbus.NewMessage(conn, bytes.NewReader(nil))
		checkErr(t, err, unix.EFAULT, kdbus.KindMalformed)
	})
}

func TestBroadcastScenario(t *testing.T) {
	bus := kdbustest.NewBus(t)
	conn := kdbustest.NewConn(t, bus, senderID, kdbus.ConnOptions{})

	if _, err := kdbus.NewMessageBytes(conn, build(t, broadcast())); err != nil {
		t.Fatalf("broadcast with bloom filter rejected: %v", err)
	}

	timeout := withHeader(broadcast(), func(h *kdbus.Header) { h.Timeout = 1 })
	_, err := kdbus.NewMessageBytes(conn, build(t, timeout))
	checkErr(t, err, unix.ENOTUNIQ, kdbus.KindPolicy)

	unicast := withHeader(broadcast(), func(h *kdbus.Header) { h.DstID = peerID })
	_, err = kdbus.NewMessageBytes(conn, build(t, unicast))
	checkErr(t, err, unix.EBADMSG, kdbus.KindPolicy)
}

func TestKernelPayloadForgery(t *testing.T) {
	conn := kdbustest.NewConn(t, kdbustest.NewBus(t), senderID, kdbus.ConnOptions{})
	b := kdbus.NewBuilder(peerID).Vec(64, 0x1000).FDs(3)
	good := build(t, b)
	if _, err := kdbus.NewMessageBytes(conn, good); err != nil {
		t.Fatalf("baseline message rejected: %v", err)
	}
	b.Header.PayloadType = kdbus.PayloadKernel
	bad := build(t, b)
	_, err := kdbus.NewMessageBytes(conn, bad)
	checkErr(t, err, unix.EINVAL, kdbus.KindForgery)
}

func TestMessageFields(t *testing.T) {
	bus := kdbustest.NewBus(t)
	conn := kdbustest.NewConn(t, bus, senderID, kdbus.ConnOptions{})

	b := kdbus.NewBuilder(peerID).
		Vec(100, 0x1000).
		PaddingVec(13).
		Memfd(4096, 10).
		FDs(3, 4)
	b.Header.Cookie = 77
	m1, err := kdbus.NewMessageBytes(conn, build(t, b))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	if m1.SrcID != senderID {
		t.Errorf("SrcID = %d, want %d", m1.SrcID, senderID)
	}
	if got := item.NativeEndian.Uint64(m1.Bytes()[24:]); got != senderID {
		t.Errorf("wire src_id = %d, want %d", got, senderID)
	}
	if m1.Cookie != 77 {
		t.Errorf("Cookie = %d, want 77", m1.Cookie)
	}
	if m1.VecsSize != 105 || m1.VecsCount != 2 {
		t.Errorf("vecs = %d bytes in %d items, want 105 in 2", m1.VecsSize, m1.VecsCount)
	}
	if m1.MemfdsCount != 1 {
		t.Errorf("MemfdsCount = %d, want 1", m1.MemfdsCount)
	}
	if diff := cmp.Diff(m1.FDs(), []int32{3, 4}); diff != "" {
		t.Errorf("FDs() wrong (-got+want):\n%s", diff)
	}
	if _, ok := m1.BloomFilter(); ok {
		t.Errorf("unicast message has a bloom filter")
	}

	m2, err := kdbus.NewMessageBytes(conn, build(t, broadcast()))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	bloom, ok := m2.BloomFilter()
	if !ok {
		t.Fatal("broadcast message has no bloom filter")
	}
	if diff := cmp.Diff(bloom, kdbus.BloomFilter{Generation: 1, Data: kdbustest.BloomData()}); diff != "" {
		t.Errorf("BloomFilter() wrong (-got+want):\n%s", diff)
	}
	if m2.Seq <= m1.Seq {
		t.Errorf("sequence numbers not increasing: %d then %d", m1.Seq, m2.Seq)
	}

	m3, err := kdbus.NewMessageBytes(conn, build(t, byName("org.example.Service")))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if got := m3.DstName(); got != "org.example.Service" {
		t.Errorf("DstName() = %q, want org.example.Service", got)
	}

	m1.Free()
	if m1.Bytes() != nil || m1.Meta != nil {
		t.Errorf("freed message still holds data")
	}
}

func TestNewKernelMessage(t *testing.T) {
	bus := kdbustest.NewBus(t)
	m, payload, err := kdbus.NewKernelMessage(bus, peerID, kdbus.ItemIDAdd, 16)
	if err != nil {
		t.Fatalf("NewKernelMessage: %v", err)
	}
	item.NativeEndian.PutUint64(payload, 42)
	item.NativeEndian.PutUint64(payload[8:], 1)

	if m.PayloadType != kdbus.PayloadKernel || m.SrcID != 0 {
		t.Errorf("kernel message header = %+v", m.Header)
	}
	var got []item.Item
	for it, err := range m.Items() {
		if err != nil {
			t.Fatalf("kernel message items: %v", err)
		}
		got = append(got, it)
	}
	want := []item.Item{{Type: kdbus.ItemIDAdd, Payload: m.Bytes()[kdbus.HeaderSize+item.HeaderSize:]}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("kernel message items wrong (-got+want):\n%s", diff)
	}

	// Users cannot inject kernel messages.
	conn := kdbustest.NewConn(t, bus, senderID, kdbus.ConnOptions{})
	_, err = kdbus.NewMessageBytes(conn, m.Bytes())
	checkErr(t, err, unix.EINVAL, kdbus.KindForgery)

	_, _, err = kdbus.NewKernelMessage(bus, peerID, kdbus.ItemIDAdd, -1)
	checkErr(t, err, unix.EINVAL, kdbus.KindPolicy)
}

func TestFreedMessageHasNoItems(t *testing.T) {
	conn := kdbustest.NewConn(t, kdbustest.NewBus(t), senderID, kdbus.ConnOptions{})
	msg, err := kdbus.NewMessageBytes(conn, build(t, kdbus.NewBuilder(peerID).Vec(8, 0x1000)))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.Free()
	for it, err := range msg.Items() {
		t.Errorf("freed message yielded item %v, err %v", it, err)
	}
	if fds := msg.FDs(); fds != nil {
		t.Errorf("freed message has fds %v", fds)
	}
	if _, ok := msg.BloomFilter(); ok {
		t.Errorf("freed message has a bloom filter")
	}
}
