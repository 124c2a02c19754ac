package kdbus

// MaxNameLen is the longest well-known name a connection can own.
const MaxNameLen = 255

// ValidName reports whether name is a valid well-known bus name.
//
// A name is two or more dot-separated elements. Elements consist of
// ASCII letters, digits, '_' and '-', and must not start with a
// digit. If allowWildcard is true, the last element may be a single
// '*', to match every name with the given prefix.
func ValidName(name string, allowWildcard bool) bool {
	if len(name) > MaxNameLen {
		return false
	}
	dot := true
	foundDot := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' {
			if dot {
				return false
			}
			foundDot = true
			dot = true
			continue
		}
		switch {
		case isAlpha(c), c == '_', c == '-':
		case !dot && isDigit(c):
		case allowWildcard && dot && c == '*' && i == len(name)-1:
		default:
			return false
		}
		dot = false
	}
	return !dot && foundDot
}

func isAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
