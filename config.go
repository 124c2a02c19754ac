package kdbus

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadBusConfig reads a bus definition from a TOML file. Limits that
// the file does not set keep their default values.
//
// A minimal file looks like:
//
//	name = "system"
//
//	[bloom]
//	size = 64
//	hashes = 8
//
//	[limits]
//	max_items = 64
func LoadBusConfig(path string) (*Bus, error) {
	ret := &Bus{Limits: DefaultLimits}
	md, err := toml.DecodeFile(path, ret)
	if err != nil {
		return nil, fmt.Errorf("reading bus config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in bus config %s: %s", path, strings.Join(keys, ", "))
	}
	if err := ret.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus config %s: %w", path, err)
	}
	return ret, nil
}
