// Package reqctx carries the caller's identity through a context.Context.
//
// The RPC layer treats a RequestContext as opaque: it is packed onto the wire by
// transports and unpacked by responders, but never inspected or modified in between.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

type RequestContext struct {
	UserID      string `json:"user_id"`
	ProjectID   string `json:"project_id"`
	RequestID   string `json:"request_id"`
	IsAdmin     bool   `json:"is_admin"`
	ReadOnly    bool   `json:"read_only"`
	ShowDeleted bool   `json:"show_deleted"`
}

// New returns a context for the given user and project with a fresh request ID.
func New(userID, projectID string) *RequestContext {
	return &RequestContext{
		UserID:    userID,
		ProjectID: projectID,
		RequestID: "req-" + uuid.NewString(),
	}
}

type ctxKey struct{}

func NewContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// ToMap flattens the context for wire packing.
func (rc *RequestContext) ToMap() map[string]any {
	return map[string]any{
		"user_id":      rc.UserID,
		"project_id":   rc.ProjectID,
		"request_id":   rc.RequestID,
		"is_admin":     rc.IsAdmin,
		"read_only":    rc.ReadOnly,
		"show_deleted": rc.ShowDeleted,
	}
}

// FromMap rebuilds a context packed by ToMap. Unknown keys are ignored and
// missing ones keep their zero value.
func FromMap(m map[string]any) *RequestContext {
	rc := &RequestContext{}
	rc.UserID, _ = m["user_id"].(string)
	rc.ProjectID, _ = m["project_id"].(string)
	rc.RequestID, _ = m["request_id"].(string)
	rc.IsAdmin, _ = m["is_admin"].(bool)
	rc.ReadOnly, _ = m["read_only"].(bool)
	rc.ShowDeleted, _ = m["show_deleted"].(bool)
	return rc
}
