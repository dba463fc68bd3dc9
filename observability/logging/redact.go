package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that carry addresses, routes or outcomes and are safe to log verbatim.
var redactionAllowlist = map[string]struct{}{
	"service":       {},
	"env":           {},
	"message":       {},
	"severity":      {},
	"timestamp":     {},
	"error":         {},
	"reason":        {},
	"component":     {},
	"operation":     {},
	"route":         {},
	"status":        {},
	"request_id":    {},
	"owner":         {},
	"asset":         {},
	"relayer":       {},
	"journal_dsn":   {},
	"auth_issuer":   {},
	"auth_audience": {},
}

// IsAllowlisted reports whether key may be logged without masking.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for any non-blank value. Blank values pass
// through so an unset secret is distinguishable from a configured one.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute, masking value unless key is
// allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskDSN hides the password of a database connection string while keeping
// host and database visible. Both URL and key=value (libpq) forms are
// handled; anything else, such as a sqlite path, is returned unchanged.
func MaskDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dsn
	}
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return RedactedValue
		}
		if parsed.User != nil {
			if _, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(parsed.User.Username(), RedactedValue)
			}
		}
		query := parsed.Query()
		if query.Has("password") {
			query.Set("password", RedactedValue)
			parsed.RawQuery = query.Encode()
		}
		// String would percent-encode the placeholder brackets.
		out, err := url.PathUnescape(parsed.String())
		if err != nil {
			return parsed.String()
		}
		return out
	}
	if !strings.Contains(trimmed, "=") {
		return dsn
	}
	fields := strings.Fields(trimmed)
	for i, field := range fields {
		key, _, found := strings.Cut(field, "=")
		if found && strings.EqualFold(key, "password") {
			fields[i] = key + "=" + RedactedValue
		}
	}
	return strings.Join(fields, " ")
}
