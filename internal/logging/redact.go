package logging

import "regexp"

// Placeholder replaces redacted secrets in log output.
const Placeholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|token|secret|password)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(`(sk-[A-Za-z0-9\-_]{16,}|ghp_[A-Za-z0-9]{16,})`)
)

func sanitizeLogLine(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllString(line, "${1}${2}"+Placeholder)
	sanitized = sensitiveKeyValuePattern.ReplaceAllString(sanitized, "${1}"+Placeholder+"${3}")
	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 || parts[2] == Placeholder {
			return match
		}
		return parts[1] + Placeholder
	})
	return standaloneSecretPattern.ReplaceAllString(sanitized, Placeholder)
}
