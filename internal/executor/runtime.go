package executor

import (
	"context"
)

// Runtime is the host integration surface used by the Executor.
//
// The Executor drains synchronous fields through ResolveSync and calls
// BatchResolveAsync once per depth with every async field found at that
// depth. Errors returned by any method become located GraphQL errors; on a
// Non-Null field the null propagates to the enclosing top-level field.
//
// Implementations must be safe for concurrent use: one Runtime serves every
// operation running on the process, including concurrent operations of one
// WebSocket connection. Source and args values must not be mutated.
type Runtime interface {
	// ResolveSync resolves a field marked Async == false. Return (nil, nil)
	// for a GraphQL null.
	ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error)

	// BatchResolveAsync resolves one depth of async fields.
	//
	// len(result) must equal len(tasks) and result[i] answers tasks[i].
	// Failures are reported per element.
	BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult

	// ResolveType returns the concrete object type of value, which was
	// produced for a field of the interface or union abstractType.
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)

	// SerializeLeafValue converts a scalar or enum value into a JSON-safe Go
	// value. Enums serialize to their symbolic name.
	SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error)
}

// SubscriptionRuntime is a Runtime that can also create source event streams
// for the root fields of the subscription type.
type SubscriptionRuntime interface {
	Runtime

	// Subscribe starts the source stream for the subscription root field.
	//
	// The returned channel must be closed by the runtime when the stream ends
	// or ctx is done. An error means the subscription could not be created
	// and no events will be produced.
	Subscribe(ctx context.Context, field string, args map[string]any) (<-chan SourceEvent, error)
}

// SourceEvent is one item of a subscription source stream. A non-nil Error is
// reported as a field error of the root field for that event only.
type SourceEvent struct {
	Value any
	Error error
}

type AsyncResolveTask struct {
	// ObjectType is the parent object type name, e.g. "Query".
	ObjectType string
	Field      string
	// Source is the parent value (nil for root fields).
	Source any
	// Args are the coerced field arguments, defaults applied.
	Args map[string]any
}

type AsyncResolveResult struct {
	Value any
	Error error
}
