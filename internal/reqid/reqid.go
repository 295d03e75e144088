// Package reqid carries a per-operation request id through contexts. The id
// is forwarded to upstream services as the graphql-request-id metadata key.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

// MetadataKey is the outgoing gRPC metadata key holding the request id.
const MetadataKey = "graphql-request-id"

type key struct{}

// NewContext returns a copy of parent with a new random request id.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
