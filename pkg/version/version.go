package version

// Version is the current version of the signaling gateway
const Version = "0.1.0"

// UserAgent returns the User-Agent string for HTTP requests
func UserAgent() string {
	return "sipgate/" + Version
}

// ServerHeader returns the Server header value for SIP responses
func ServerHeader() string {
	return "sipgate/" + Version
}
