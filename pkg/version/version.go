// Package version holds build identity, injected via -ldflags.
package version

var (
	// AppName identifies this binary to MCP servers and in logs.
	AppName = "tandem"

	// GitCommit is the short commit hash of the build.
	GitCommit = "dev"
)
