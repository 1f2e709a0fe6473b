// Package version reports how the running binary was built.
package version

import (
	"fmt"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set at link time:
//
//	go build -ldflags "-X github.com/conneroisu/liveweave/internal/version.Version=v0.3.0"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info describes a build.
type Info struct {
	Version   string    `json:"version" yaml:"version"`
	Commit    string    `json:"commit,omitempty" yaml:"commit,omitempty"`
	Modified  bool      `json:"modified" yaml:"modified"`
	BuiltAt   time.Time `json:"built_at,omitempty" yaml:"built_at,omitempty"`
	GoVersion string    `json:"go_version" yaml:"go_version"`
	Platform  string    `json:"platform" yaml:"platform"`
}

// Get returns the build info of the running binary. Link-time values win
// over the VCS stamps recorded by the go command.
func Get() Info {
	bi, _ := debug.ReadBuildInfo()
	return resolve(bi)
}

func resolve(bi *debug.BuildInfo) Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if t, err := time.Parse(time.RFC3339, Date); err == nil {
		info.BuiltAt = t.UTC()
	}
	if bi == nil {
		return info
	}

	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuiltAt.IsZero() {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					info.BuiltAt = t.UTC()
				}
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// pseudo matches the timestamp and revision suffix of a Go pseudo-version.
var pseudo = regexp.MustCompile(`\d{14}-[0-9a-f]{12}$`)

// IsRelease reports whether the version is a tagged release.
func (i Info) IsRelease() bool {
	return strings.HasPrefix(i.Version, "v") && !pseudo.MatchString(i.Version)
}

// ShortCommit returns the first seven characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

// Short is the one-line form, for example "v0.3.0 (1a2b3c4)".
func (i Info) Short() string {
	s := i.Version
	if c := i.ShortCommit(); c != "" {
		s += " (" + c
		if i.Modified {
			s += ", modified"
		}
		s += ")"
	}
	return s
}

// String is the multi-line form printed by the version command.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "liveweave %s\n", i.Short())
	if !i.BuiltAt.IsZero() {
		fmt.Fprintf(&b, "built:    %s\n", i.BuiltAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "go:       %s\n", i.GoVersion)
	fmt.Fprintf(&b, "platform: %s\n", i.Platform)
	return b.String()
}
