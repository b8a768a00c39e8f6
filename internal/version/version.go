// Package version reports the snapship build version.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
//
//	-ldflags "-X github.com/tis24dev/snapship/internal/version.Version=v0.3.0"
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const devVersion = "0.0.0-dev"

var readBuildInfo = debug.ReadBuildInfo

// String returns the version without a leading "v". Order of preference:
// the ldflags value, the main module version from the build info, then
// the development placeholder.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		return devVersion
	}
	return strings.TrimPrefix(v, "v")
}

// Banner is the one-line identification printed by `snapship version`.
func Banner() string {
	b := "snapship " + String()
	var extra []string
	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		extra = append(extra, "commit "+c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		extra = append(extra, "built "+d)
	}
	if len(extra) > 0 {
		b += fmt.Sprintf(" (%s)", strings.Join(extra, ", "))
	}
	return b
}
