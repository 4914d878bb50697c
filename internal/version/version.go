package version

import (
	"runtime/debug"
)

const Number = "0.1.0"

// String returns the release number followed by the short git revision the
// binary was built from, when known.
func String() string {
	rev := Revision()
	if len(rev) > 8 {
		rev = rev[:8]
	}
	if rev == "" {
		return Number
	}
	return Number + " (" + rev + ")"
}

// Revision searches the buildinfo built into the binary to find and return
// the git revision, if present. Returns an empty string otherwise.
func Revision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for i := range bi.Settings {
		if bi.Settings[i].Key == "vcs.revision" {
			return bi.Settings[i].Value
		}
	}
	return ""
}
