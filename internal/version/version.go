// Package version carries build metadata stamped in with -ldflags and
// filled from the embedded VCS info when the stamps are absent.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName names the service in logs, traces, profiles and build_info.
const AppName = "linnemanlabs-ratelimiter"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	applySettings(&out, bi.Settings)
	return out
}

// applySettings fills gaps from vcs.* build settings. ldflags values win.
func applySettings(out *Info, settings []debug.BuildSetting) {
	var dirty *bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				dirty = &t
			case "false":
				f := false
				dirty = &f
			}
		}
	}
	if dirty != nil {
		out.VCSDirty = dirty
	}
}

// UserAgent identifies outbound AWS calls.
func (i Info) UserAgent() string {
	return fmt.Sprintf("%s/%s", i.AppName, i.Version)
}
