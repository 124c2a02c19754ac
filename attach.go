package kdbus

import (
	"fmt"
	"strings"
)

// AttachFlags select categories of sender metadata.
type AttachFlags uint64

const (
	AttachTimestamp AttachFlags = 1 << iota
	AttachCreds
	AttachNames
	AttachComm
	AttachExe
	AttachCmdline
	AttachCgroup
	AttachCaps
	AttachSeclabel
	AttachAudit
	AttachConnName

	// AttachAll selects every metadata category.
	AttachAll = AttachConnName<<1 - 1
)

var attachNames = []string{
	"timestamp",
	"creds",
	"names",
	"comm",
	"exe",
	"cmdline",
	"cgroup",
	"caps",
	"seclabel",
	"audit",
	"conn-name",
}

// Union returns the categories present in f or o.
func (f AttachFlags) Union(o AttachFlags) AttachFlags {
	return f | o
}

// Missing returns the categories of f that are not in have.
func (f AttachFlags) Missing(have AttachFlags) AttachFlags {
	return f &^ have
}

// Has reports whether all categories of o are in f.
func (f AttachFlags) Has(o AttachFlags) bool {
	return f&o == o
}

func (f AttachFlags) String() string {
	return flagString(uint64(f), attachNames)
}

// ParseAttachFlags parses a comma or pipe separated list of category
// names, as produced by AttachFlags.String. "all" selects every
// category.
func ParseAttachFlags(s string) (AttachFlags, error) {
	var ret AttachFlags
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		f = strings.TrimSpace(f)
		if f == "all" {
			ret = ret.Union(AttachAll)
			continue
		}
		found := false
		for i, n := range attachNames {
			if n == f {
				ret = ret.Union(1 << i)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metadata category %q", f)
		}
	}
	return ret, nil
}
