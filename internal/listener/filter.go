package listener

import "path"

// AddressFilter decides which OSC addresses reach the latest-value buffer.
// When Allowed is non-empty an address must match at least one allowed
// pattern, and in all cases it must match no blocked pattern. Patterns are
// path.Match globs tested against the address and each of its
// slash-separated ancestors, so "/1/*" admits "/1/fader1" and everything
// below it.
type AddressFilter struct {
	Allowed []string
	Blocked []string
}

// IsNoop reports whether the filter passes everything through.
func (f *AddressFilter) IsNoop() bool {
	return len(f.Allowed) == 0 && len(f.Blocked) == 0
}

// Allow reports whether the address passes the filter.
func (f *AddressFilter) Allow(address string) bool {
	if len(f.Allowed) > 0 {
		ok := false
		for _, pattern := range f.Allowed {
			if matchAddressOrParent(pattern, address) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, pattern := range f.Blocked {
		if matchAddressOrParent(pattern, address) {
			return false
		}
	}
	return true
}

// matchAddressOrParent matches the pattern against the address and each of
// its ancestors, so a pattern for a container covers the addresses inside
// it.
func matchAddressOrParent(pattern, address string) bool {
	for a := address; a != "" && a != "/" && a != "."; a = path.Dir(a) {
		if ok, err := path.Match(pattern, a); err == nil && ok {
			return true
		}
	}
	return false
}
