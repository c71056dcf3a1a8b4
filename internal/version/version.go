// Package version reports the build identity of the waitroom binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/waitroom"

// buildVersion is set with -ldflags "-X pkt.systems/waitroom/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Committed string `json:"committed,omitempty" yaml:"committed,omitempty"`
	Dirty     bool   `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	Go        string `json:"go" yaml:"go"`
}

func (i Info) String() string {
	s := fmt.Sprintf("%s %s (%s)", i.Module, i.Version, i.Go)
	if i.Revision != "" {
		s += " rev " + shortRevision(i.Revision)
	}
	return s
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects the build identity from linker flags and build info.
func Read() Info {
	out := Info{Module: defaultModule, Go: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.Revision, out.Committed, out.Dirty = vcsSettings(info)
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSpace(buildVersion)
	case ok && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	default:
		out.Version = pseudoVersion(out.Revision, out.Committed, out.Dirty)
	}
	return out
}

func vcsSettings(info *debug.BuildInfo) (revision, committed string, dirty bool) {
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			committed = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return revision, committed, dirty
}

func pseudoVersion(revision, committed string, dirty bool) string {
	if revision == "" || committed == "" {
		return "v0.0.0-unknown"
	}
	parsed, err := time.Parse(time.RFC3339, committed)
	if err != nil {
		return "v0.0.0-unknown"
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(revision)
	if dirty {
		ver += "+dirty"
	}
	return ver
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
