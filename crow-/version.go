package crow

import (
	"runtime/debug"
)

// Version of this build, from the module build info when built with "go
// install", or "(devel)" for plain builds from a checkout.
var Version = "(devel)"

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
		return
	}
	var rev, mod string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			mod = s.Value
		}
	}
	if rev == "" {
		return
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	Version = rev
	if mod == "true" {
		Version += "+modifications"
	}
}
