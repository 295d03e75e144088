package engine

import (
	"github.com/hanpama/tokengate/internal/executor"
	"github.com/hanpama/tokengate/internal/language"
)

// Operation is one GraphQL request: a document plus its inputs. It is the
// JSON body of the request endpoint and the payload of a streaming
// subscribe/start message.
type Operation struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a GraphQL error as it appears on the wire.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string { return e.Message }

// Result is the response to one operation, or one event of a subscription.
type Result struct {
	Data       any            `json:"data"`
	Errors     []Error        `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ErrorResult returns a result carrying a single error and no data.
func ErrorResult(message string) *Result {
	return &Result{Errors: []Error{{Message: message}}}
}

// Errs returns the result errors as Go errors.
func (r *Result) Errs() []error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	out := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e
	}
	return out
}

func fromExecution(res *executor.ExecutionResult) *Result {
	out := &Result{Data: res.Data}
	if len(res.Errors) == 0 {
		return out
	}
	out.Errors = make([]Error, len(res.Errors))
	for i, e := range res.Errors {
		out.Errors[i] = Error{Message: e.Message, Extensions: e.Extensions}
		if len(e.Path) > 0 {
			out.Errors[i].Path = append([]any(nil), e.Path...)
		}
	}
	return out
}

func fromErrorList(errs language.ErrorList) *Result {
	out := &Result{Errors: make([]Error, len(errs))}
	for i, e := range errs {
		out.Errors[i] = Error{Message: e.Message, Extensions: e.Extensions}
		for _, loc := range e.Locations {
			out.Errors[i].Locations = append(out.Errors[i].Locations, Location{Line: loc.Line, Column: loc.Column})
		}
		if len(e.Path) > 0 {
			out.Errors[i].Path = make([]any, len(e.Path))
			for j, p := range e.Path {
				out.Errors[i].Path[j] = p
			}
		}
	}
	return out
}
