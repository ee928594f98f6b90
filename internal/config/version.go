package config

// Version is the release of fxbacktester reported by /health and the chart client.
// Release builds override it with -ldflags "-X .../internal/config.Version=x.y.z".
var Version = "1.0.0"

// GetVersion returns the current version
func GetVersion() string {
	return Version
}

// UserAgent identifies outbound provider requests
func UserAgent() string {
	return "fxbacktester/" + Version
}
