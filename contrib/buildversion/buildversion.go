package buildversion

import (
	"runtime/debug"
)

// GetVersion resolves the module version of modulePath from the embedded
// build info. Returns "unknown" when built outside module mode or when the
// module is the main module of a development build.
func GetVersion(modulePath string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Main.Path == modulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "unknown"
	}

	for _, dep := range info.Deps {
		if dep == nil {
			continue
		}
		if dep.Path == modulePath {
			if dep.Replace != nil && dep.Replace.Version != "" {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}

	return "unknown"
}
