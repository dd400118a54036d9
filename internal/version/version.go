// Package version holds build-time metadata injected via -ldflags, e.g.
//
//	go build -ldflags "-X opsdash/internal/version.Version=v1.0.0 -X opsdash/internal/version.Commit=abc123"
package version

import "runtime"

var (
	// Version is a SemVer tag like v1.2.3 for releases. Empty for dev builds.
	Version = ""
	// Commit is the short git SHA for the build.
	Commit = ""
	// Date is the UTC build timestamp in RFC3339 format.
	Date = ""
	// Dirty is "dirty" when the working tree had uncommitted changes, otherwise "clean".
	Dirty = ""
)

// Info is the /version payload.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty"`
	GoVersion string `json:"go"`
}

// String returns a compact human-readable version. For releases, returns
// Version. For dev builds, returns "dev-<sha>" with a trailing "*" when dirty,
// or "dev" when no metadata is available.
func String() string {
	if Version != "" {
		return Version
	}
	if Commit != "" {
		suffix := Commit
		if Dirty == "dirty" {
			suffix += "*"
		}
		return "dev-" + suffix
	}
	return "dev"
}

func Get() Info {
	return Info{
		Version:   String(),
		Commit:    Commit,
		Date:      Date,
		Dirty:     Dirty == "dirty",
		GoVersion: runtime.Version(),
	}
}
