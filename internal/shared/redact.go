package shared

import (
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces every secret value in logs, audit entries and errors.
const Redacted = "[REDACTED]"

// redactRule rewrites matches of pattern with replace, which may refer to
// capture groups.
type redactRule struct {
	pattern *regexp.Regexp
	replace string
}

var redactRules = []redactRule{
	// key=value and key: value pairs
	{regexp.MustCompile(`(?i)\b((?:api[_-]?key|secret|auth[_-]?token|token|password)\s*[:=]\s*"?)[^\s"&,]{8,}`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)\b(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + Redacted},
	// Telegram bot tokens, bare or inside api.telegram.org/bot<token>/ URLs
	{regexp.MustCompile(`\b(bot)?[0-9]{6,12}:[A-Za-z0-9_\-]{30,}\b`), "${1}" + Redacted},
	// Signed Cloud Storage URLs
	{regexp.MustCompile(`(?i)(X-Goog-(?:Signature|Credential)=)[^&\s]+`), "${1}" + Redacted},
}

var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential", "signature"}

// Redact masks secret-bearing fragments of s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range redactRules {
		s = rule.pattern.ReplaceAllString(s, rule.replace)
	}
	return s
}

// IsSecretKey reports whether a field or parameter named key holds a secret.
func IsSecretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// RedactURL drops user credentials and masks secret query parameters of a
// report location. Plain paths come back unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return Redact(raw)
	}
	if u.User != nil {
		u.User = url.User(Redacted)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if IsSecretKey(key) {
				q.Set(key, Redacted)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
