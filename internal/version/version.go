package version

import "fmt"

const (
	Major = 0
	Minor = 1
	Patch = 0
)

// Commit is overwritten at build time using -ldflags.
var Commit = "dev"

func String() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}

// Full includes the build commit.
func Full() string {
	return fmt.Sprintf("%s (%s)", String(), Commit)
}
