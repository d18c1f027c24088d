package diaglog

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"authorization": true,
	"password":      true,
	"secret":        true,
}

// Keys ending in one of these are sensitive too (openai_api_key, remote_token).
var sensitiveSuffixes = []string{"_key", "_token", "_secret", "_password"}

// credentialRe finds credentials embedded in free text: HTTP auth schemes
// (Bearer for OpenAI and remote whisper, Token for Deepgram) and OpenAI keys.
var credentialRe = regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9._~+/=-]{8,}|\bsk-[A-Za-z0-9_-]{8,}`)

// Redact returns a copy of v with sensitive keys blanked and credentials
// scrubbed from string values. Maps, slices and strings are walked; other
// values pass through.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitive(k) {
				out[k] = redacted
			} else {
				out[k] = Redact(child)
			}
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, child := range val {
			if isSensitive(k) {
				out[k] = redacted
			} else {
				out[k] = RedactString(child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = RedactString(s)
		}
		return out
	case string:
		return RedactString(val)
	default:
		return v
	}
}

// RedactString scrubs credentials out of s, such as an error message that
// echoes a request header.
func RedactString(s string) string {
	return credentialRe.ReplaceAllStringFunc(s, func(m string) string {
		if scheme, _, ok := strings.Cut(m, " "); ok && !strings.HasPrefix(strings.ToLower(m), "sk-") {
			return scheme + " " + redacted
		}
		return redacted
	})
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	for _, suf := range sensitiveSuffixes {
		if strings.HasSuffix(k, suf) {
			return true
		}
	}
	return false
}
