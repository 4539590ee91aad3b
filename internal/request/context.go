// Package request defines the per-request context carried through the
// admission pipeline. A Context is created at gate entry, mutated through
// the pipeline stages, and discarded at request end; it is never shared
// across requests.
package request

import (
	"context"

	"github.com/google/uuid"

	userDomain "github.com/allisson/gatekeeper/internal/user/domain"
)

// Origin identifies where a request entered the pipeline.
type Origin string

const (
	// OriginCRUD marks requests coming through the generated CRUD endpoints.
	OriginCRUD Origin = "crud"

	// OriginCommand marks requests invoking a registered command.
	OriginCommand Origin = "cmd"
)

// Actions checked against role abilities for CRUD-origin requests.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Context is the per-request value consumed by the authorization engine.
type Context struct {
	User     *userDomain.User // nil for guests
	UserID   uuid.UUID
	Trust    *int   // lazily filled by the trust service, nil until first use
	Action   string // create/read/update/delete for CRUD origin
	Command  string // command name for command origin
	Origin   Origin
	Resource string
	IsBatch  bool
	IP       string
	Endpoint string         // request path, compared against the captcha endpoint
	Payload  map[string]any // decoded token payload
	MockRole string         // requested mock role, empty if none
	Role     string         // effective role finalized by the gate
	Fields   []string       // keys of the request body
	Body     map[string]any // request body values, used by attribute rules
	Options  map[string]string
	Secure   bool           // identity was freshly fetched, not cached
	Scratch  map[string]any // per-request scratch storage for extensions
}

// Guest reports whether the request is unauthenticated.
func (c *Context) Guest() bool {
	return c.User == nil
}

// CheckedAction returns the action name evaluated against abilities: the
// CRUD action for CRUD origin, the command name for command origin.
func (c *Context) CheckedAction() string {
	if c.Origin == OriginCommand {
		return c.Command
	}
	return c.Action
}

// Put stores a value in the per-request scratch storage.
func (c *Context) Put(key string, value any) {
	if c.Scratch == nil {
		c.Scratch = map[string]any{}
	}
	c.Scratch[key] = value
}

// Get retrieves a value from the per-request scratch storage.
func (c *Context) Get(key string) (any, bool) {
	value, ok := c.Scratch[key]
	return value, ok
}

// ctxKey is a context key type for storing the request context.
type ctxKey struct{}

// WithContext stores the admitted request context in a context.Context.
// This is typically called by the gate middleware after a successful
// admission so downstream handlers can access the decision.
func WithContext(ctx context.Context, reqCtx *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqCtx)
}

// FromContext retrieves the admitted request context.
// Returns (reqCtx, true) if present, or (nil, false) if the gate did not run.
func FromContext(ctx context.Context) (*Context, bool) {
	reqCtx, ok := ctx.Value(ctxKey{}).(*Context)
	return reqCtx, ok
}

// ActionForMethod maps an HTTP method to the checked CRUD action.
// Unknown methods map to read, the least privileged action.
func ActionForMethod(method string) string {
	switch method {
	case "POST":
		return ActionCreate
	case "GET", "HEAD":
		return ActionRead
	case "PUT", "PATCH":
		return ActionUpdate
	case "DELETE":
		return ActionDelete
	default:
		return ActionRead
	}
}

// StateChanging reports whether the HTTP method submits a state change and
// therefore requires a fresh identity fetch.
func StateChanging(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}
