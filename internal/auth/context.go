package auth

import (
	"context"

	"google.golang.org/grpc/metadata"
)

type credentialKey struct{}

// slot is stored even when no credential is present so that a context built
// without one shadows any credential inherited from its parent.
type slot struct {
	cred Credential
}

// NewContext returns a child of parent carrying cred. A zero cred yields a
// context for which FromContext reports no credential.
func NewContext(parent context.Context, cred Credential) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, credentialKey{}, slot{cred: cred})
}

// FromContext returns the credential carried by ctx.
func FromContext(ctx context.Context) (Credential, bool) {
	if ctx == nil {
		return Credential{}, false
	}
	s, ok := ctx.Value(credentialKey{}).(slot)
	if !ok || s.cred.IsZero() {
		return Credential{}, false
	}
	return s.cred, true
}

// Builder builds per-operation execution contexts.
type Builder struct {
	// MetadataKey, when set, also appends a present credential to outgoing
	// gRPC metadata under this key.
	MetadataKey string
}

// Build derives a fresh execution context from base for one operation.
func (b Builder) Build(base context.Context, cred Credential) context.Context {
	ctx := NewContext(base, cred)
	if b.MetadataKey != "" && !cred.IsZero() {
		ctx = metadata.AppendToOutgoingContext(ctx, b.MetadataKey, cred.Value())
	}
	return ctx
}
