// Package executor runs GraphQL operations breadth first against a Runtime.
//
// # Execution model
//
// Fields are split into two classes by schema.Field.Async:
//
//   - Synchronous fields are projections of their parent value. They are
//     resolved through Runtime.ResolveSync and completed immediately, so a
//     purely synchronous descent never adds a batch.
//   - Asynchronous fields are resolver backed. They are queued while the
//     current depth is expanded and resolved together by a single
//     Runtime.BatchResolveAsync call once the depth has been drained.
//
// For an operation whose deepest chain of async fields has length d,
// BatchResolveAsync is called exactly d times.
//
// Completed values are written into the response tree at their response path.
// A Non-Null violation nulls the enclosing top-level field and tombstones its
// path; tasks queued below a tombstone are dropped before the next batch.
//
// # Value completion
//
//   - Non-Null: complete the inner type; a null result is an error.
//   - List: complete every element with an index path. A null element of a
//     Non-Null item type nulls the whole list.
//   - Scalar and Enum: Runtime.SerializeLeafValue.
//   - Interface and Union: Runtime.ResolveType picks the object type, which
//     must be a possible type of the abstract type.
//   - Object: collect sub-fields, honouring @skip, @include and fragment type
//     conditions (including interface and union conditions).
//
// # Subscriptions
//
// Executor.Subscribe resolves the single root field of a subscription through
// SubscriptionRuntime.Subscribe, which returns the source event stream. Each
// source event is completed as the value of that root field and delivered as
// its own ExecutionResult, in the order the source produced it. The result
// stream closes when the source closes or the context is cancelled.
package executor
