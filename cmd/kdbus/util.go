package main

import (
	"bytes"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/danderson/kdbus"
	"github.com/danderson/kdbus/item"
	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

var logOnce sync.Once

func setupLogging() {
	logOnce.Do(func() {
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		if globalArgs.Verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	})
}

// printItems writes one line per item, decoded where the item type
// is known.
func printItems(out *indenter, items iter.Seq2[item.Item, error]) {
	for it, err := range items {
		if err != nil {
			out.f("error: %v", err)
			return
		}
		name := kdbus.ItemTypeName(it.Type)
		v, err := kdbus.DecodeItem(it)
		switch {
		case err != nil:
			out.f("%s: %v", name, err)
		case it.Type == kdbus.ItemCmdline:
			out.f("%s: %q", name, strings.Split(strings.TrimRight(string(v.([]byte)), "\x00"), "\x00"))
		default:
			if bs, ok := v.([]byte); ok {
				out.f("%s: %q", name, bs)
			} else {
				out.f("%s: %s", name, pretty.Sprint(v))
			}
		}
	}
}

func parseDst(s string) (uint64, error) {
	switch s {
	case "name":
		return kdbus.DstIDName, nil
	case "broadcast":
		return kdbus.DstIDBroadcast, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid destination %q", s)
	}
	return id, nil
}

func parseMsgFlags(s string) (kdbus.MsgFlags, error) {
	var ret kdbus.MsgFlags
	for _, f := range splitList(s) {
		switch f {
		case "expect-reply":
			ret |= kdbus.FlagExpectReply
		case "sync-reply":
			ret |= kdbus.FlagSyncReply
		case "no-auto-start":
			ret |= kdbus.FlagNoAutoStart
		default:
			return 0, fmt.Errorf("unknown message flag %q", f)
		}
	}
	return ret, nil
}
