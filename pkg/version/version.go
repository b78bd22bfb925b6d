package version

// Version is the current version of the voice call engine
const Version = "0.4.2"

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "voicecall-engine/" + Version
}
