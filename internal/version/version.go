// Package version holds build information set through -ldflags
package version

// Set with -ldflags "-X github.com/kylemclaren/agent-tasks/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns the version line printed by the CLI
func String() string {
	return "agent-tasks " + Version + " (" + Commit + ", built " + Date + ")"
}
