// Package logging holds helpers for keeping credentials out of logs.
package logging

import (
	"net/url"
	"regexp"
)

// RedactedText is the replacement text for sensitive data
const RedactedText = "[REDACTED]"

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches the user:pass@ part of a URL embedded in free text
	userInfoPattern = regexp.MustCompile(`(://[^:/@\s]+):[^@\s]+@`)
)

// SanitizeConnectionString removes the password from a PostgreSQL, MongoDB
// or Redis connection string, in URL or key=value form. User and host are
// kept so the target stays identifiable in logs.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	if u, err := url.Parse(connStr); err == nil && u.Scheme != "" && u.Host != "" {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), RedactedText)
		}
		q := u.Query()
		for key := range q {
			if passwordPattern.MatchString(key + "=x") {
				q.Set(key, RedactedText)
			}
		}
		u.RawQuery = q.Encode()
		// UserPassword escapes the brackets; keep the marker readable.
		s, _ := url.PathUnescape(u.String())
		return s
	}

	return passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
}

// SanitizeError sanitizes error messages that might contain sensitive data
// Use this before logging any error from connection attempts
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	return userInfoPattern.ReplaceAllString(sanitized, "${1}:"+RedactedText+"@")
}
