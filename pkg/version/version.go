package version

import "fmt"

// Set at build time with -ldflags "-X github.com/supporttools/GoBackupGuard/pkg/version.Version=..."
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info describes the running build
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

// Get returns the build information of this binary
func Get() Info {
	return Info{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

func (v Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", v.Version, v.GitCommit, v.BuildTime)
}
