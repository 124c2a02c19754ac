package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/danderson/kdbus"
	"github.com/danderson/kdbus/item"
	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var globalArgs struct {
	Config  string `flag:"config,Path to a TOML bus definition (default: built-in test bus)"`
	Verbose bool   `flag:"v,Log debug output"`
}

// loadBus returns the bus described by --config, or a bus with 64
// byte bloom filters and the default limits.
func loadBus() (*kdbus.Bus, error) {
	setupLogging()
	var (
		bus *kdbus.Bus
		err error
	)
	if globalArgs.Config != "" {
		bus, err = kdbus.LoadBusConfig(globalArgs.Config)
	} else {
		bus, err = kdbus.NewBus("kdbus", kdbus.BloomParameter{Size: 64, Hashes: 8})
	}
	if err != nil {
		return nil, err
	}
	bus.Logf = logrus.WithField("bus", bus.Name).Debugf
	logrus.WithFields(logrus.Fields{
		"bus":   bus.Name,
		"bloom": bus.Bloom.Size,
	}).Debug("loaded bus")
	return bus, nil
}

func main() {
	root := &command.C{
		Name:     "kdbus",
		Usage:    "command args...",
		Help:     "Build, check and inspect kdbus messages and metadata.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:     "build",
				Usage:    "build [flags]",
				Help:     "Write a message in wire format to stdout or --out.",
				SetFlags: command.Flags(flax.MustBind, &buildArgs),
				Run:      command.Adapt(runBuild),
			},
			{
				Name:  "check",
				Usage: "check [flags] file",
				Help: `Run a message through the message constructor, as if sent by a connection.

Prints the accepted message, or the error the bus returns to the sender.`,
				SetFlags: command.Flags(flax.MustBind, &checkArgs),
				Run:      command.Adapt(runCheck),
			},
			{
				Name:  "dump",
				Usage: "dump file",
				Help:  "Print the header and items of a message, without validating it.",
				Run:   command.Adapt(runDump),
			},
			{
				Name:     "meta",
				Usage:    "meta [flags] [pid]",
				Help:     "Collect and print the metadata of a process, by default the kdbus tool itself.",
				SetFlags: command.Flags(flax.MustBind, &metaArgs),
				Run:      runMeta,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	env := root.NewEnv(nil)
	command.RunOrFail(env, os.Args[1:])
}

var buildArgs struct {
	Dst     string `flag:"dst,default=1,Destination: a connection id, 'name' or 'broadcast'"`
	Src     uint64 `flag:"src,Claimed source connection id"`
	Name    string `flag:"name,Destination well-known name"`
	Vecs    string `flag:"vecs,Comma-separated sizes of PAYLOAD_VEC items"`
	Memfd   uint64 `flag:"memfd,Size of a PAYLOAD_MEMFD item (0 for none)"`
	FDs     int    `flag:"fds,Number of file descriptors to attach"`
	Bloom   bool   `flag:"bloom,Attach a bloom filter sized for the bus"`
	Flags   string `flag:"flags,Message flags: expect-reply, sync-reply, no-auto-start"`
	Cookie  uint64 `flag:"cookie,default=1,Message cookie"`
	Timeout uint64 `flag:"timeout,Reply timeout in nanoseconds"`
	Out     string `flag:"out,Output file (default: stdout)"`
}

func runBuild(env *command.Env) error {
	bus, err := loadBus()
	if err != nil {
		return err
	}
	dst, err := parseDst(buildArgs.Dst)
	if err != nil {
		return env.Usagef("%v", err)
	}
	flags, err := parseMsgFlags(buildArgs.Flags)
	if err != nil {
		return env.Usagef("%v", err)
	}

	b := kdbus.NewBuilder(dst)
	b.Header.SrcID = buildArgs.Src
	b.Header.Flags = flags
	b.Header.Cookie = buildArgs.Cookie
	b.Header.Timeout = buildArgs.Timeout
	for _, v := range splitList(buildArgs.Vecs) {
		sz, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return env.Usagef("invalid vec size %q", v)
		}
		// Addresses are placeholders, only their NULL-ness matters.
		b.Vec(sz, 0x1000)
	}
	if buildArgs.Memfd > 0 {
		b.Memfd(buildArgs.Memfd, 3)
	}
	if buildArgs.FDs > 0 {
		fds := make([]int32, buildArgs.FDs)
		for i := range fds {
			fds[i] = int32(i + 3)
		}
		b.FDs(fds...)
	}
	if buildArgs.Bloom {
		b.Bloom(0, make([]uint64, bus.Bloom.Size/8))
	}
	if buildArgs.Name != "" {
		b.DstName(buildArgs.Name)
	}

	bs, err := b.Bytes()
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}
	logrus.WithField("size", len(bs)).Debug("built message")
	if buildArgs.Out == "" {
		_, err = os.Stdout.Write(bs)
		return err
	}
	return os.WriteFile(buildArgs.Out, bs, 0o644)
}

var checkArgs struct {
	Sender     uint64 `flag:"sender,default=1,Sending connection id"`
	Privileged bool   `flag:"privileged,Send from a privileged connection"`
	Agent      bool   `flag:"agent,Send from an agent connection"`
	Attach     string `flag:"attach,Metadata to attach to an accepted message (e.g. creds,comm or all)"`
}

func runCheck(env *command.Env, path string) error {
	bus, err := loadBus()
	if err != nil {
		return err
	}
	attach, err := kdbus.ParseAttachFlags(checkArgs.Attach)
	if err != nil {
		return env.Usagef("%v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	conn, err := kdbus.NewConn(bus, checkArgs.Sender, kdbus.ConnOptions{
		Name:       "kdbus-check",
		Privileged: checkArgs.Privileged,
		Agent:      checkArgs.Agent,
		Source:     kdbus.NewProcSource(os.Getpid()),
	})
	if err != nil {
		return fmt.Errorf("creating connection: %w", err)
	}
	defer conn.Close()

	msg, err := kdbus.NewMessage(conn, f)
	if err != nil {
		var kerr kdbus.Error
		if errors.As(err, &kerr) {
			fmt.Printf("rejected: %s (%s)\n  %v\n", unix.ErrnoName(kerr.Errno), kerr.Kind, kerr.Reason)
			return errors.New("message rejected")
		}
		return err
	}
	defer msg.Free()
	if err := msg.AttachMetadata(conn, attach); err != nil {
		return fmt.Errorf("attaching metadata: %w", err)
	}

	fmt.Println("accepted:", msg)
	out := &indenter{indentNext: true}
	out.indent(1)
	out.f("seq: %d", msg.Seq)
	out.f("vecs: %d, %d bytes", msg.VecsCount, msg.VecsSize)
	out.f("memfds: %d", msg.MemfdsCount)
	if fds := msg.FDs(); len(fds) > 0 {
		out.f("fds: %v", fds)
	}
	if bf, ok := msg.BloomFilter(); ok {
		out.f("bloom: generation %d, %d words", bf.Generation, len(bf.Data))
	}
	if n := msg.DstName(); n != "" {
		out.f("dst name: %s", n)
	}
	if attach != 0 {
		out.s("metadata:")
		out.indent(2)
		printItems(out, msg.Meta.Items())
	}
	return nil
}

func runDump(env *command.Env, path string) error {
	setupLogging()
	bs, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bs) < kdbus.HeaderSize {
		return fmt.Errorf("%s is %d bytes, too short for a message header", path, len(bs))
	}
	var hdr kdbus.Header
	if err := hdr.UnmarshalBinary(bs[:kdbus.HeaderSize]); err != nil {
		return err
	}
	fmt.Printf("%# v\n", pretty.Formatter(hdr))
	if hdr.Size != uint64(len(bs)) {
		logrus.Warnf("header size %d does not match file size %d", hdr.Size, len(bs))
	}
	out := &indenter{indentNext: true}
	out.indent(1)
	printItems(out, item.Items(item.NativeEndian, bs[kdbus.HeaderSize:]))
	return nil
}

var metaArgs struct {
	Attach string `flag:"attach,default=all,Metadata categories to collect"`
	Name   string `flag:"conn-name,default=kdbus-meta,Connection name to report"`
	Names  string `flag:"names,Comma-separated well-known names the connection owns"`
}

func runMeta(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("meta takes at most one pid")
	}
	pid := os.Getpid()
	if len(env.Args) == 1 {
		var err error
		pid, err = strconv.Atoi(env.Args[0])
		if err != nil {
			return env.Usagef("invalid pid %q", env.Args[0])
		}
	}
	attach, err := kdbus.ParseAttachFlags(metaArgs.Attach)
	if err != nil {
		return env.Usagef("%v", err)
	}
	bus, err := loadBus()
	if err != nil {
		return err
	}

	conn, err := kdbus.NewConn(bus, 1, kdbus.ConnOptions{
		Name:   metaArgs.Name,
		Source: kdbus.NewProcSource(pid),
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	for i, n := range splitList(metaArgs.Names) {
		if err := conn.AcquireName(n, uint64(i)); err != nil {
			return err
		}
	}
	if err := conn.UpdateMeta(attach); err != nil {
		return fmt.Errorf("collecting metadata of pid %d: %w", pid, err)
	}

	m := conn.Meta()
	logrus.WithFields(logrus.Fields{
		"pid":  pid,
		"size": m.Size(),
	}).Debug("collected metadata")
	fmt.Printf("pid %d: %s\n", pid, m.Attached())
	out := &indenter{indentNext: true}
	out.indent(1)
	printItems(out, m.Items())
	if missing := attach.Missing(m.Attached()); missing != 0 {
		fmt.Printf("unavailable: %s\n", missing)
	}
	return nil
}

func splitList(s string) []string {
	var ret []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			ret = append(ret, f)
		}
	}
	return ret
}
