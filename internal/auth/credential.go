// Package auth extracts bearer credentials from transport carriers and
// carries them through per-operation execution contexts.
//
// The package never validates a credential. It only reads one opaque string
// out of an HTTP header or a WebSocket connection_init payload and makes it
// available to resolvers through FromContext.
package auth

import (
	"log/slog"
	"strings"
)

const (
	// HeaderName is the request header carrying the credential.
	HeaderName = "Token"
	// PayloadField is the default connection_init payload field carrying the
	// credential.
	PayloadField = "token"
)

// Credential is an opaque bearer token. The zero value means "no credential".
type Credential struct {
	token string
}

// NewCredential wraps s verbatim. It returns the zero Credential and false
// when s is not representable as a credential (blank or containing
// non-printable bytes).
func NewCredential(s string) (Credential, bool) {
	if strings.TrimSpace(s) == "" || !printable(s) {
		return Credential{}, false
	}
	return Credential{token: s}, true
}

// Value returns the raw token.
func (c Credential) Value() string { return c.token }

// IsZero reports whether c carries no token.
func (c Credential) IsZero() bool { return c.token == "" }

// Equal reports whether c and o wrap the same token.
func (c Credential) Equal(o Credential) bool { return c.token == o.token }

// String returns a redacted form safe for logs.
func (c Credential) String() string {
	if c.token == "" {
		return "<none>"
	}
	if len(c.token) < 12 {
		return "tok_****"
	}
	return "tok_****" + c.token[len(c.token)-4:]
}

// GoString keeps %#v redacted as well.
func (c Credential) GoString() string { return "auth.Credential(" + c.String() + ")" }

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value { return slog.StringValue(c.String()) }

// printable mirrors HTTP header value rules: visible ASCII, space and tab.
func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '\t' {
			continue
		}
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
