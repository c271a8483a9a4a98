// Package version reports the zimd build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/zimd"

// buildVersion is set via -ldflags "-X pkt.systems/zimd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Modified bool
	Go       string
}

// Read collects build information from ldflags and the embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		info.Go = bi.GoVersion
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					info.Time = t.UTC()
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else if v := info.pseudo(); v != "" {
			info.Version = v
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }

func (i Info) pseudo() string {
	if i.Revision == "" || i.Time.IsZero() {
		return ""
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}
