package logger

import "regexp"

// Redaction policy: passwords and full connection strings never reach a log
// line or a user-facing message.
var (
	pwdKVRe   = regexp.MustCompile(`(?i)\b(password|pwd)\s*=\s*[^;&\s]+`)
	uriCredRe = regexp.MustCompile(`(?i)(://)([^:@\s]+):([^@\s]+)@`)
	tokenRe   = regexp.MustCompile(`(?i)\b(token|accesstoken|apikey|api_key)\s*=\s*[^;&\s]+`)
)

// Redact scrubs credential-bearing patterns from an arbitrary string:
// password/pwd key-values, URI userinfo credentials, token key-values.
func Redact(text string) string {
	if text == "" {
		return ""
	}
	s := pwdKVRe.ReplaceAllStringFunc(text, func(m string) string {
		return keyOf(m) + "=***"
	})
	s = uriCredRe.ReplaceAllString(s, "$1$2:***@")
	s = tokenRe.ReplaceAllStringFunc(s, func(m string) string {
		return keyOf(m) + "=***"
	})
	return s
}

// RedactConnString scrubs connection-string credentials before logging.
func RedactConnString(conn string) string {
	return Redact(conn)
}

func keyOf(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			// trim trailing spaces before the separator
			j := i
			for j > 0 && (kv[j-1] == ' ' || kv[j-1] == '\t') {
				j--
			}
			return kv[:j]
		}
	}
	return kv
}
