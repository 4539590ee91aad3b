package authz

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
	"github.com/allisson/gatekeeper/internal/request"
	"github.com/allisson/gatekeeper/internal/role"
	userDomain "github.com/allisson/gatekeeper/internal/user/domain"
)

// TrustSource supplies the lazily computed trust score for quota arithmetic.
type TrustSource interface {
	// GetOrCompute returns the trust score for the request, memoizing it on
	// the request context. Guests score zero.
	GetOrCompute(reqCtx *request.Context, user *userDomain.User) int
}

// RoleCheck records one visited role and its failing field during the
// recursive check. ProblemField is empty when the role authorized the
// request, "all" when the role had no rights at all.
type RoleCheck struct {
	Role         string `json:"role"`
	ProblemField string `json:"problemField,omitempty"`
}

// Engine decides allow/deny per role by walking the inheritance graph and
// computes trust-scaled quotas. Engines are immutable after construction
// and safe for concurrent use.
type Engine struct {
	registry               *role.Registry
	trust                  TrustSource
	defaultMaxItemsPerUser int64
	adminBatchAllowance    int
	logger                 *slog.Logger
	now                    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the engine clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an authorization engine.
func NewEngine(
	registry *role.Registry,
	trust TrustSource,
	defaultMaxItemsPerUser int64,
	adminBatchAllowance int,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:               registry,
		trust:                  trust,
		defaultMaxItemsPerUser: defaultMaxItemsPerUser,
		adminBatchAllowance:    adminBatchAllowance,
		logger:                 logger,
		now:                    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EffectiveRole resolves the role the request is evaluated as, honoring
// mocking: a caller may mock any role on their own ancestor chain (self
// included) if their real role permits mocking; anything else is rejected
// before authorization runs. The resolved name is written back to the
// request context.
func (e *Engine) EffectiveRole(reqCtx *request.Context) (role.Role, error) {
	realName := role.GuestRoleName
	if reqCtx.User != nil {
		realName = reqCtx.User.Role
	}
	real := e.registry.Resolve(realName)

	if reqCtx.MockRole == "" {
		reqCtx.Role = real.Name
		return real, nil
	}

	if !real.CanMock || !e.registry.InAncestry(real, reqCtx.MockRole) {
		return role.Role{}, apperrors.Unauthorized(
			apperrors.CodeMockRoleDenied,
			fmt.Sprintf("role %q cannot be mocked from %q", reqCtx.MockRole, real.Name),
			nil,
		)
	}

	effective := e.registry.Resolve(reqCtx.MockRole)
	reqCtx.Role = effective.Name
	return effective, nil
}

// Authorize is the main entry point: it applies the guest fast paths, quota
// and command checks, then runs the recursive role check. On deny the
// returned Forbidden error carries a diagnostic listing every role visited
// and each one's failing field.
func (e *Engine) Authorize(reqCtx *request.Context, policy *SecurityPolicy) error {
	// Fast paths: publicly readable resources and publicly usable commands.
	if policy.GuestCanReadAll && reqCtx.Origin == request.OriginCRUD && reqCtx.Action == request.ActionRead {
		return nil
	}
	if policy.GuestCanUseAll && reqCtx.Origin == request.OriginCommand {
		return nil
	}

	if reqCtx.Origin == request.OriginCRUD && !reqCtx.IsBatch && reqCtx.Action == request.ActionCreate {
		if err := e.checkItemQuota(reqCtx, policy, 1); err != nil {
			return err
		}
	}

	if reqCtx.Origin == request.OriginCommand {
		if err := e.checkCommand(reqCtx, policy); err != nil {
			return err
		}
	}

	effective, err := e.EffectiveRole(reqCtx)
	if err != nil {
		return err
	}

	var visited []RoleCheck
	if e.recursCheckRolesAndParents(effective, reqCtx, reqCtx.Fields, policy, &visited) {
		e.applyExcludedFields(reqCtx, policy)
		return nil
	}

	e.logger.Debug("authorization denied",
		slog.String("resource", policy.Resource),
		slog.String("action", reqCtx.CheckedAction()),
		slog.String("role", effective.Name),
		slog.Any("checked_roles", visited),
	)

	return apperrors.Forbidden(
		apperrors.CodeForbidden,
		fmt.Sprintf("role %q is not authorized for %s on %s", effective.Name, reqCtx.CheckedAction(), policy.Resource),
		map[string]any{"checkedRoles": visited},
	)
}

// AuthorizeBatch validates a batch submission: batch size must be at least
// one, within the role's effective batch ceiling, and within the item quota
// with the whole batch counted.
func (e *Engine) AuthorizeBatch(reqCtx *request.Context, batchSize int, policy *SecurityPolicy) error {
	if batchSize < 1 {
		return apperrors.BadRequest("batch size must be >= 1")
	}

	effective, err := e.EffectiveRole(reqCtx)
	if err != nil {
		return err
	}

	ceiling := 0
	if effective.IsAdminRole {
		ceiling = e.adminBatchAllowance
	}
	// The declared ceiling is a max over self and ancestors, not a sum.
	if rights, ok := policy.Roles[effective.Name]; ok && rights.MaxBatchSize > ceiling {
		ceiling = rights.MaxBatchSize
	}
	for _, ancestor := range e.registry.Ancestors(effective) {
		if rights, ok := policy.Roles[ancestor.Name]; ok && rights.MaxBatchSize > ceiling {
			ceiling = rights.MaxBatchSize
		}
	}

	if batchSize > ceiling {
		return apperrors.Forbidden(
			apperrors.CodeMaxBatchExceeded,
			fmt.Sprintf("batch size %d exceeds maximum %d", batchSize, ceiling),
			map[string]any{"batchSize": batchSize, "maxBatchSize": ceiling},
		)
	}

	return e.checkItemQuota(reqCtx, policy, int64(batchSize))
}

// quotaCeiling computes the per-user item ceiling: the policy cap (system
// default fallback) plus the trust bonus when the policy grants one.
func (e *Engine) quotaCeiling(reqCtx *request.Context, policy *SecurityPolicy) int64 {
	base := policy.MaxItemsPerUser
	if base == 0 {
		base = e.defaultMaxItemsPerUser
	}
	if policy.AdditionalItemsInDBPerTrustPoints > 0 {
		if trust := e.trust.GetOrCompute(reqCtx, reqCtx.User); trust >= 1 {
			base += policy.AdditionalItemsInDBPerTrustPoints * int64(trust)
		}
	}
	return base
}

// checkItemQuota denies the request when the caller's per-resource item
// count plus the requested additions would exceed the ceiling. Guests have
// no counters and skip the check; hard storage caps are backstopped at the
// storage layer.
func (e *Engine) checkItemQuota(reqCtx *request.Context, policy *SecurityPolicy, addCount int64) error {
	if reqCtx.Guest() {
		return nil
	}

	ceiling := e.quotaCeiling(reqCtx, policy)
	count := reqCtx.User.ItemCount(policy.Resource)
	if count+addCount > ceiling {
		return apperrors.Forbidden(
			apperrors.CodeItemQuotaReached,
			fmt.Sprintf("item quota reached for %s (%d of %d)", policy.Resource, count, ceiling),
			map[string]any{"count": count, "ceiling": ceiling, "addCount": addCount},
		)
	}
	return nil
}

// checkCommand applies the command-origin gates: secure mode for
// quota-mutating or secure-only commands, the per-user cooldown, and the
// per-user usage ceiling with the same trust-bonus shape as item quotas.
func (e *Engine) checkCommand(reqCtx *request.Context, policy *SecurityPolicy) error {
	// A cached identity cannot be trusted to mutate quota counters.
	if (policy.UsageLimited() || policy.SecureOnly) && !reqCtx.Secure {
		return apperrors.Forbidden(
			apperrors.CodeSecureModeRequired,
			fmt.Sprintf("command %s requires secure mode", reqCtx.Command),
			nil,
		)
	}

	if reqCtx.Guest() {
		return nil
	}

	if policy.MinTimeBetweenCmdCalls > 0 {
		if last, ok := reqCtx.User.LastCommandCall[reqCtx.Command]; ok {
			elapsed := e.now().Sub(last)
			if elapsed < policy.MinTimeBetweenCmdCalls {
				wait := policy.MinTimeBetweenCmdCalls - elapsed
				return apperrors.Forbidden(
					apperrors.CodeCommandCooldown,
					fmt.Sprintf("command %s is on cooldown", reqCtx.Command),
					map[string]any{"retryAfterMs": wait.Milliseconds()},
				)
			}
		}
	}

	if policy.UsageLimited() {
		ceiling := policy.MaxUsesPerUser
		if policy.AdditionalUsesPerTrustPoint > 0 {
			if trust := e.trust.GetOrCompute(reqCtx, reqCtx.User); trust >= 1 {
				ceiling += policy.AdditionalUsesPerTrustPoint * int64(trust)
			}
		}
		uses := reqCtx.User.CommandUseCount(reqCtx.Command)
		if uses >= ceiling {
			return apperrors.Forbidden(
				apperrors.CodeUsageQuotaReached,
				fmt.Sprintf("usage quota reached for %s (%d of %d)", reqCtx.Command, uses, ceiling),
				map[string]any{"uses": uses, "ceiling": ceiling},
			)
		}
	}

	return nil
}

// recursCheckRolesAndParents checks one role and, on failure, ORs over its
// declared parents in order: the first authorizing role wins and no further
// ancestors are consulted. Every visited role accumulates into visited
// regardless of outcome.
func (e *Engine) recursCheckRolesAndParents(
	r role.Role,
	reqCtx *request.Context,
	fields []string,
	policy *SecurityPolicy,
	visited *[]RoleCheck,
) bool {
	rights, hasRights := policy.Roles[r.Name]

	define := rights.Define
	if reqCtx.Origin == request.OriginCommand {
		define = rights.DefineCommand
	}

	if !hasRights || define == nil {
		// No declared rights for this role: denied, but parents may still
		// authorize.
		*visited = append(*visited, RoleCheck{Role: r.Name, ProblemField: "all"})
	} else {
		checked := fields
		if len(rights.Fields) > 0 && reqCtx.Origin == request.OriginCRUD && reqCtx.Action == request.ActionRead {
			// Fixed allow-list overwrites the requested projection.
			checked = rights.Fields
			reqCtx.Fields = slices.Clone(rights.Fields)
		}
		if len(checked) == 0 {
			checked = []string{"all"}
		}

		ability := BuildAbility(define, reqCtx)
		action := reqCtx.CheckedAction()

		problemField := ""
		for _, field := range checked {
			if ability.Forbids(action, policy.Resource, field, reqCtx.Body) {
				problemField = field
				break
			}
		}

		if problemField == "" {
			// Option keys are checked in sorted order so the reported
			// failure is deterministic.
			keys := make([]string, 0, len(reqCtx.Options))
			for key := range reqCtx.Options {
				if !IsMetaOption(key) {
					keys = append(keys, key)
				}
			}
			sort.Strings(keys)
			for _, key := range keys {
				if ability.ForbidsOption(action, policy.Resource, key, reqCtx.Body) {
					problemField = key
					break
				}
			}
		}

		if problemField == "" {
			*visited = append(*visited, RoleCheck{Role: r.Name})
			return true
		}
		*visited = append(*visited, RoleCheck{Role: r.Name, ProblemField: problemField})
	}

	for _, parentName := range r.Inherits {
		parent := e.registry.Resolve(parentName)
		if e.recursCheckRolesAndParents(parent, reqCtx, fields, policy, visited) {
			return true
		}
	}
	return false
}

// applyExcludedFields strips policy-excluded fields from a read projection.
func (e *Engine) applyExcludedFields(reqCtx *request.Context, policy *SecurityPolicy) {
	if len(policy.AlwaysExcludeFields) == 0 || reqCtx.Action != request.ActionRead {
		return
	}
	filtered := reqCtx.Fields[:0:0]
	for _, field := range reqCtx.Fields {
		if !slices.Contains(policy.AlwaysExcludeFields, field) {
			filtered = append(filtered, field)
		}
	}
	reqCtx.Fields = filtered
}
