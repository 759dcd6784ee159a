// internal/security/scrubber.go
package security

import "regexp"

var (
	// Credentials passed as query or form parameters: token=..., api_key=...
	credentialParamPattern = regexp.MustCompile(`(?i)\b(token|access_token|api_key|apikey|secret|password)=[^\s&"']+`)
	// Bearer token pattern
	bearerPattern = regexp.MustCompile(`Bearer\s+\S{20,}`)
	// Slack bot/user/app tokens
	slackTokenPattern = regexp.MustCompile(`\bxox[abpors]-[0-9A-Za-z-]{10,}`)
	// Long hex strings (32+ chars), likely API keys or signing secrets
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// ScrubOutput redacts sensitive data from agent and webhook output before
// it is stored in dispatch history or relayed to a reply channel.
func ScrubOutput(output string) string {
	result := credentialParamPattern.ReplaceAllString(output, "$1=[REDACTED]")
	result = bearerPattern.ReplaceAllString(result, "Bearer [REDACTED]")
	result = slackTokenPattern.ReplaceAllString(result, "[REDACTED]")
	result = hexKeyPattern.ReplaceAllString(result, "[REDACTED]")
	return result
}
