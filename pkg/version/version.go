package version

// Version is the application version, set at build time via ldflags.
// Example: go build -ldflags "-X github.com/BookFusion/calibre-plugin/pkg/version.Version=1.0.0".
var Version = "dev"

// UserAgent identifies the client generation to the BookFusion API.
func UserAgent() string {
	return "BookFusion Calibre Plugin " + Version
}
