package info

import "runtime/debug"

var (
	// Version is the application version.
	Version = ""
)

func init() {
	if Version != "" {
		return
	}

	// If not set at build time, get the information from the runtime in case
	// kvmigrate has been used as a library.
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, d := range info.Deps {
			if d.Path == "github.com/kvmigrate/kvmigrate" {
				Version = d.Version
				return
			}
		}
	}

	// If still not set, then set to dev.
	Version = "dev"
}
