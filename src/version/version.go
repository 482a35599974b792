package version

import "github.com/mosaicnetworks/p2prelay/src/election"

// Flag contains extra info about the version. It is helpul for tracking
// versions while developing. It should always be empty on the master branch.
const Flag = ""

var (
	// Version is the full version string
	Version = "0.1.0"

	// GitCommit is set with --ldflags "-X github.com/mosaicnetworks/p2prelay/src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string

	// Protocol is the election protocol version announced by this build.
	Protocol = election.DefaultVersion
)

func init() {
	if Flag != "" {
		Version += "-" + Flag
	}

	if len(GitCommit) >= 8 {
		Version += "-" + GitCommit[:8]
	}
}

// String returns the version with the election protocol it speaks.
func String() string {
	return Version + " (election protocol " + Protocol + ")"
}
