package config

import (
	"net/url"
	"strings"
)

// RedactedMarker replaces every secret in redacted output
const RedactedMarker = "[REDACTED]"

var secretKeyFragments = []string{"token", "secret", "password", "accesskey", "apikey", "credential"}

// IsSecretKey reports whether an option key holds a credential
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Redact returns a copy of the document safe to log or expose. Secret
// option values and passwords embedded in source URLs are replaced.
func Redact(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	out.Storage.Options = redactMap(out.Storage.Options)
	for i := range out.Targets {
		out.Targets[i].Source = RedactURL(out.Targets[i].Source)
		out.Targets[i].Metadata = redactMap(out.Targets[i].Metadata)
	}
	return out
}

func redactMap(in map[string]interface{}) map[string]interface{} {
	for k, v := range in {
		switch val := v.(type) {
		case map[string]interface{}:
			in[k] = redactMap(val)
		case string:
			if IsSecretKey(k) && val != "" {
				in[k] = RedactedMarker
			}
		default:
			if IsSecretKey(k) && val != nil {
				in[k] = RedactedMarker
			}
		}
	}
	return in
}

// RedactURL hides the password of a URL with user info. Anything that does
// not parse as such a URL is returned unchanged.
func RedactURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), RedactedMarker)
	// url.String escapes the brackets of the marker
	return strings.Replace(u.String(), url.QueryEscape(RedactedMarker), RedactedMarker, 1)
}
