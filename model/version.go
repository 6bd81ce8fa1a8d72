package model

// Version is the semantic version of the relay server. Overridden at build
// time via -ldflags for release builds.
var Version = "0.1.0"

// UserAgent identifies the relay server on outbound webhook requests.
func UserAgent() string {
	return "relay/" + Version
}
