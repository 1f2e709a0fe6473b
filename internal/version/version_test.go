package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stamps(version string, settings ...string) *debug.BuildInfo {
	bi := &debug.BuildInfo{Main: debug.Module{Version: version}}
	for i := 0; i+1 < len(settings); i += 2 {
		bi.Settings = append(bi.Settings, debug.BuildSetting{Key: settings[i], Value: settings[i+1]})
	}
	return bi
}

func withLinked(t *testing.T, version, commit, date string) {
	t.Helper()
	v, c, d := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() { Version, Commit, Date = v, c, d })
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		linked  [3]string
		bi      *debug.BuildInfo
		version string
		commit  string
		dirty   bool
		built   string
	}{
		{
			name:    "no build info",
			linked:  [3]string{"dev", "", ""},
			version: "dev",
		},
		{
			name:    "vcs stamps",
			linked:  [3]string{"dev", "", ""},
			bi:      stamps("(devel)", "vcs.revision", "1a2b3c4d5e6f", "vcs.time", "2026-03-01T10:00:00Z", "vcs.modified", "true"),
			version: "dev",
			commit:  "1a2b3c4d5e6f",
			dirty:   true,
			built:   "2026-03-01T10:00:00Z",
		},
		{
			name:    "module version",
			linked:  [3]string{"dev", "", ""},
			bi:      stamps("v0.2.1"),
			version: "v0.2.1",
		},
		{
			name:    "link time wins",
			linked:  [3]string{"v1.0.0", "ffffffff", "2026-05-02T08:30:00Z"},
			bi:      stamps("v0.2.1", "vcs.revision", "1a2b3c4", "vcs.time", "2026-03-01T10:00:00Z"),
			version: "v1.0.0",
			commit:  "ffffffff",
			built:   "2026-05-02T08:30:00Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withLinked(t, tt.linked[0], tt.linked[1], tt.linked[2])
			info := resolve(tt.bi)
			assert.Equal(t, tt.version, info.Version)
			assert.Equal(t, tt.commit, info.Commit)
			assert.Equal(t, tt.dirty, info.Modified)
			if tt.built == "" {
				assert.True(t, info.BuiltAt.IsZero())
			} else {
				assert.Equal(t, tt.built, info.BuiltAt.Format(time.RFC3339))
			}
			assert.NotEmpty(t, info.GoVersion)
			assert.Contains(t, info.Platform, "/")
		})
	}
}

func TestShort(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "dev"}, "dev"},
		{Info{Version: "v0.3.0", Commit: "1a2b3c4d5e"}, "v0.3.0 (1a2b3c4)"},
		{Info{Version: "dev", Commit: "abc", Modified: true}, "dev (abc, modified)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
}

func TestIsRelease(t *testing.T) {
	assert.True(t, Info{Version: "v1.2.3"}.IsRelease())
	assert.False(t, Info{Version: "dev"}.IsRelease())
	assert.False(t, Info{Version: "v0.0.0-20260301100000-1a2b3c4d5e6f"}.IsRelease())
}

func TestString(t *testing.T) {
	info := Info{Version: "v0.3.0", GoVersion: "go1.24.0", Platform: "linux/amd64"}
	out := info.String()
	assert.True(t, strings.HasPrefix(out, "liveweave v0.3.0\n"))
	assert.Contains(t, out, "platform: linux/amd64\n")
	assert.NotContains(t, out, "built:")
}
