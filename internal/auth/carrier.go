package auth

import (
	"net/http"
	"strings"
)

// Carrier is a read-only source of transport-level key/value pairs.
type Carrier interface {
	Lookup(key string) (any, bool)
}

// HeaderCarrier reads from HTTP headers. Keys match case-insensitively and
// the first value wins.
type HeaderCarrier http.Header

func (h HeaderCarrier) Lookup(key string) (any, bool) {
	if vs, ok := h[http.CanonicalHeaderKey(key)]; ok && len(vs) > 0 {
		return vs[0], true
	}
	// Headers built by hand may not be canonicalized.
	for k, vs := range h {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0], true
		}
	}
	return nil, false
}

// PayloadCarrier reads from a decoded connection_init payload.
type PayloadCarrier map[string]any

func (p PayloadCarrier) Lookup(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// Extract reads key from c. Absent keys, non-string values and values that
// NewCredential refuses all yield false; Extract never fails.
func Extract(c Carrier, key string) (Credential, bool) {
	if c == nil {
		return Credential{}, false
	}
	raw, ok := c.Lookup(key)
	if !ok {
		return Credential{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return Credential{}, false
	}
	return NewCredential(s)
}

// FromHeader extracts the credential from the Token header.
func FromHeader(h http.Header) (Credential, bool) {
	return Extract(HeaderCarrier(h), HeaderName)
}

// FromPayload extracts the credential from field of a connection_init
// payload. An empty field falls back to PayloadField.
func FromPayload(payload map[string]any, field string) (Credential, bool) {
	if field == "" {
		field = PayloadField
	}
	return Extract(PayloadCarrier(payload), field)
}
