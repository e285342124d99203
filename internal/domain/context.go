package domain

import "context"

type ctxKey int

const workflowIDKey ctxKey = iota

// WithWorkflowID tags ctx with the owning workflow id so decorators deep in
// the call chain (resilient adapter, pool routing) can reference it by id
// without holding the workflow itself.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkflowIDFrom extracts the workflow id from ctx, if any.
func WorkflowIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(workflowIDKey).(string); ok {
		return v
	}
	return ""
}
