package authz

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
	"github.com/allisson/gatekeeper/internal/request"
	"github.com/allisson/gatekeeper/internal/role"
	userDomain "github.com/allisson/gatekeeper/internal/user/domain"
)

// fixedTrust is a TrustSource returning a constant score.
type fixedTrust int

func (f fixedTrust) GetOrCompute(reqCtx *request.Context, user *userDomain.User) int {
	return int(f)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRegistry(t *testing.T) *role.Registry {
	t.Helper()
	registry := role.NewRegistry()
	require.NoError(t, registry.Register(role.Role{Name: "member"}))
	require.NoError(t, registry.Register(role.Role{Name: "editor", Inherits: []string{"member"}}))
	require.NoError(t, registry.Register(role.Role{
		Name:        "admin",
		Inherits:    []string{"editor"},
		IsAdminRole: true,
		CanMock:     true,
	}))
	require.NoError(t, registry.Validate())
	return registry
}

func newEngine(t *testing.T, trust int) *Engine {
	t.Helper()
	return NewEngine(testRegistry(t), fixedTrust(trust), 1000, 100, testLogger())
}

func memberUser() *userDomain.User {
	return &userDomain.User{
		ID:   uuid.Must(uuid.NewV7()),
		Role: "member",
	}
}

// allowAll is an ability callback granting everything on the resource.
func allowAll(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
	allow(Rule{Actions: []string{"all"}})
	allow(Rule{Actions: []string{"all"}, Options: true})
}

func crudCtx(user *userDomain.User, action, resource string) *request.Context {
	reqCtx := &request.Context{
		Origin:   request.OriginCRUD,
		Action:   action,
		Resource: resource,
	}
	if user != nil {
		reqCtx.User = user
		reqCtx.UserID = user.ID
	}
	return reqCtx
}

func TestEngine_Authorize_GuestFastPath(t *testing.T) {
	engine := newEngine(t, 0)
	policy := &SecurityPolicy{Resource: "articles", GuestCanReadAll: true}

	t.Run("guest read allowed unconditionally", func(t *testing.T) {
		assert.NoError(t, engine.Authorize(crudCtx(nil, request.ActionRead, "articles"), policy))
	})

	t.Run("guest create still denied", func(t *testing.T) {
		err := engine.Authorize(crudCtx(nil, request.ActionCreate, "articles"), policy)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
	})

	t.Run("guest command allowed via GuestCanUseAll", func(t *testing.T) {
		cmdPolicy := &SecurityPolicy{Resource: "ping", GuestCanUseAll: true}
		reqCtx := &request.Context{Origin: request.OriginCommand, Command: "ping", Resource: "ping"}
		assert.NoError(t, engine.Authorize(reqCtx, cmdPolicy))
	})
}

func TestEngine_Authorize_RoleOrSemantics(t *testing.T) {
	engine := newEngine(t, 0)

	// editor forbids the "secret" field; member (its parent here) allows all.
	policy := &SecurityPolicy{
		Resource: "articles",
		Roles: map[string]RoleRights{
			"editor": {
				Define: func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
					allow(Rule{Actions: []string{"crud"}})
					deny(Rule{Actions: []string{"crud"}, Fields: []string{"secret"}})
				},
			},
			"member": {Define: allowAll},
		},
	}

	t.Run("failing role falls through to authorizing ancestor", func(t *testing.T) {
		user := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "editor"}
		reqCtx := crudCtx(user, request.ActionUpdate, "articles")
		reqCtx.Fields = []string{"title", "secret"}

		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})

	t.Run("no ancestor authorizes: diagnostic lists every visited role", func(t *testing.T) {
		strict := &SecurityPolicy{
			Resource: "articles",
			Roles: map[string]RoleRights{
				"editor": {
					Define: func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
						deny(Rule{Actions: []string{"crud"}, Fields: []string{"secret"}})
					},
				},
			},
		}

		user := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "editor"}
		reqCtx := crudCtx(user, request.ActionUpdate, "articles")
		reqCtx.Fields = []string{"secret"}

		err := engine.Authorize(reqCtx, strict)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeForbidden, appErr.Code)

		checked, ok := appErr.Data["checkedRoles"].([]RoleCheck)
		require.True(t, ok)
		assert.Equal(t, []RoleCheck{
			{Role: "editor", ProblemField: "secret"},
			{Role: "member", ProblemField: "all"},
		}, checked)
	})

	t.Run("authorizing role short-circuits ancestors", func(t *testing.T) {
		user := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "editor"}
		reqCtx := crudCtx(user, request.ActionUpdate, "articles")
		reqCtx.Fields = []string{"title"}

		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})

	t.Run("empty body checks the all pseudo-field", func(t *testing.T) {
		noRights := &SecurityPolicy{Resource: "articles", Roles: map[string]RoleRights{}}
		user := memberUser()

		err := engine.Authorize(crudCtx(user, request.ActionDelete, "articles"), noRights)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		checked := appErr.Data["checkedRoles"].([]RoleCheck)
		assert.Equal(t, []RoleCheck{{Role: "member", ProblemField: "all"}}, checked)
	})
}

func TestEngine_Authorize_Options(t *testing.T) {
	engine := newEngine(t, 0)

	policy := &SecurityPolicy{
		Resource: "articles",
		Roles: map[string]RoleRights{
			"member": {
				Define: func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
					allow(Rule{Actions: []string{"crud"}})
					allow(Rule{Actions: []string{"read"}, Fields: []string{"filter"}, Options: true})
				},
			},
		},
	}

	t.Run("meta options are always allowed", func(t *testing.T) {
		reqCtx := crudCtx(memberUser(), request.ActionRead, "articles")
		reqCtx.Options = map[string]string{"limit": "10", "offset": "5", "sort": "name", "fields": "a", "mockRole": ""}

		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})

	t.Run("declared option key allowed", func(t *testing.T) {
		reqCtx := crudCtx(memberUser(), request.ActionRead, "articles")
		reqCtx.Options = map[string]string{"filter": "x"}

		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})

	t.Run("undeclared option key is the failure reason", func(t *testing.T) {
		reqCtx := crudCtx(memberUser(), request.ActionRead, "articles")
		reqCtx.Options = map[string]string{"join": "comments"}

		err := engine.Authorize(reqCtx, policy)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		checked := appErr.Data["checkedRoles"].([]RoleCheck)
		assert.Equal(t, []RoleCheck{{Role: "member", ProblemField: "join"}}, checked)
	})
}

func TestEngine_Authorize_FixedFieldsOverwriteProjection(t *testing.T) {
	engine := newEngine(t, 0)

	policy := &SecurityPolicy{
		Resource: "users",
		Roles: map[string]RoleRights{
			"member": {
				Define: allowAll,
				Fields: []string{"id", "name"},
			},
		},
	}

	reqCtx := crudCtx(memberUser(), request.ActionRead, "users")
	reqCtx.Fields = []string{"id", "name", "email", "password"}

	require.NoError(t, engine.Authorize(reqCtx, policy))
	assert.Equal(t, []string{"id", "name"}, reqCtx.Fields)
}

func TestEngine_Authorize_AlwaysExcludeFields(t *testing.T) {
	engine := newEngine(t, 0)

	policy := &SecurityPolicy{
		Resource:            "users",
		AlwaysExcludeFields: []string{"password"},
		Roles:               map[string]RoleRights{"member": {Define: allowAll}},
	}

	reqCtx := crudCtx(memberUser(), request.ActionRead, "users")
	reqCtx.Fields = []string{"id", "password", "name"}

	require.NoError(t, engine.Authorize(reqCtx, policy))
	assert.Equal(t, []string{"id", "name"}, reqCtx.Fields)
}

func TestEngine_ItemQuota(t *testing.T) {
	// maxItemsPerUser=10, 2 extra per trust point, trust=3 => ceiling 16.
	policy := &SecurityPolicy{
		Resource:                          "articles",
		MaxItemsPerUser:                   10,
		AdditionalItemsInDBPerTrustPoints: 2,
		Roles:                             map[string]RoleRights{"member": {Define: allowAll}},
	}

	engine := newEngine(t, 3)

	t.Run("below ceiling allowed", func(t *testing.T) {
		user := memberUser()
		user.ItemCounts = map[string]int64{"articles": 15}

		reqCtx := crudCtx(user, request.ActionCreate, "articles")
		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})

	t.Run("at ceiling denied", func(t *testing.T) {
		user := memberUser()
		user.ItemCounts = map[string]int64{"articles": 16}

		reqCtx := crudCtx(user, request.ActionCreate, "articles")
		err := engine.Authorize(reqCtx, policy)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeItemQuotaReached, appErr.Code)
		assert.Equal(t, int64(16), appErr.Data["ceiling"])
	})

	t.Run("no trust bonus without the policy knob", func(t *testing.T) {
		flat := &SecurityPolicy{
			Resource:        "articles",
			MaxItemsPerUser: 10,
			Roles:           map[string]RoleRights{"member": {Define: allowAll}},
		}
		user := memberUser()
		user.ItemCounts = map[string]int64{"articles": 10}

		err := engine.Authorize(crudCtx(user, request.ActionCreate, "articles"), flat)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
	})

	t.Run("guest skips the quota check", func(t *testing.T) {
		open := &SecurityPolicy{
			Resource:        "articles",
			MaxItemsPerUser: 1,
			GuestCanReadAll: true,
			Roles:           map[string]RoleRights{role.GuestRoleName: {Define: allowAll}},
		}
		assert.NoError(t, engine.Authorize(crudCtx(nil, request.ActionCreate, "articles"), open))
	})

	t.Run("batch create skips the single-item check", func(t *testing.T) {
		user := memberUser()
		user.ItemCounts = map[string]int64{"articles": 16}

		reqCtx := crudCtx(user, request.ActionCreate, "articles")
		reqCtx.IsBatch = true

		// The per-item check is skipped; AuthorizeBatch owns batch quotas.
		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})
}

func TestEngine_AuthorizeBatch(t *testing.T) {
	policy := &SecurityPolicy{
		Resource: "articles",
		Roles: map[string]RoleRights{
			"member": {Define: allowAll, MaxBatchSize: 5},
			"editor": {Define: allowAll},
		},
	}

	engine := newEngine(t, 0)

	t.Run("batch size below one is a bad request", func(t *testing.T) {
		err := engine.AuthorizeBatch(crudCtx(memberUser(), request.ActionCreate, "articles"), 0, policy)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
	})

	t.Run("ceiling is a max over self and ancestors, not a sum", func(t *testing.T) {
		// editor declares no maxBatchSize but inherits member's 5.
		user := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "editor"}

		assert.NoError(t, engine.AuthorizeBatch(crudCtx(user, request.ActionCreate, "articles"), 5, policy))

		err := engine.AuthorizeBatch(crudCtx(user, request.ActionCreate, "articles"), 6, policy)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeMaxBatchExceeded, appErr.Code)
		assert.Equal(t, 6, appErr.Data["batchSize"])
		assert.Equal(t, 5, appErr.Data["maxBatchSize"])
	})

	t.Run("admin allowance applies only to the effective role", func(t *testing.T) {
		admin := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "admin"}

		assert.NoError(t, engine.AuthorizeBatch(crudCtx(admin, request.ActionCreate, "articles"), 100, policy))

		// Admin mocking member loses the admin allowance.
		reqCtx := crudCtx(admin, request.ActionCreate, "articles")
		reqCtx.MockRole = "member"
		err := engine.AuthorizeBatch(reqCtx, 100, policy)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
	})

	t.Run("batch counts against the item quota", func(t *testing.T) {
		quota := &SecurityPolicy{
			Resource:        "articles",
			MaxItemsPerUser: 10,
			Roles:           map[string]RoleRights{"member": {Define: allowAll, MaxBatchSize: 50}},
		}
		user := memberUser()
		user.ItemCounts = map[string]int64{"articles": 8}

		assert.NoError(t, engine.AuthorizeBatch(crudCtx(user, request.ActionCreate, "articles"), 2, quota))

		err := engine.AuthorizeBatch(crudCtx(user, request.ActionCreate, "articles"), 3, quota)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeItemQuotaReached, appErr.Code)
	})
}

func TestEngine_CommandChecks(t *testing.T) {
	engine := newEngine(t, 2)

	cmdCtx := func(user *userDomain.User, secure bool) *request.Context {
		return &request.Context{
			User:     user,
			Origin:   request.OriginCommand,
			Command:  "publish",
			Resource: "articles",
			Secure:   secure,
		}
	}

	base := map[string]RoleRights{
		"member": {DefineCommand: func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
			allow(Rule{Actions: []string{"publish"}})
		}},
	}

	t.Run("usage-limited command requires secure mode", func(t *testing.T) {
		policy := &SecurityPolicy{Resource: "articles", MaxUsesPerUser: 3, Roles: base}

		err := engine.Authorize(cmdCtx(memberUser(), false), policy)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeSecureModeRequired, appErr.Code)
	})

	t.Run("secure-only command requires secure mode", func(t *testing.T) {
		policy := &SecurityPolicy{Resource: "articles", SecureOnly: true, Roles: base}

		err := engine.Authorize(cmdCtx(memberUser(), false), policy)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
	})

	t.Run("usage ceiling with trust bonus", func(t *testing.T) {
		// maxUses=3, +1 per trust point, trust=2 => ceiling 5.
		policy := &SecurityPolicy{
			Resource:                    "articles",
			MaxUsesPerUser:              3,
			AdditionalUsesPerTrustPoint: 1,
			Roles:                       base,
		}

		user := memberUser()
		user.CommandUses = map[string]int64{"publish": 4}
		assert.NoError(t, engine.Authorize(cmdCtx(user, true), policy))

		user.CommandUses["publish"] = 5
		err := engine.Authorize(cmdCtx(user, true), policy)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeUsageQuotaReached, appErr.Code)
	})

	t.Run("cooldown between calls", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		cool := NewEngine(testRegistry(t), fixedTrust(0), 1000, 100, testLogger(),
			WithNow(func() time.Time { return now }))

		policy := &SecurityPolicy{
			Resource:               "articles",
			MinTimeBetweenCmdCalls: time.Minute,
			Roles:                  base,
		}

		user := memberUser()
		user.LastCommandCall = map[string]time.Time{"publish": now.Add(-30 * time.Second)}

		err := cool.Authorize(cmdCtx(user, true), policy)
		require.Error(t, err)

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeCommandCooldown, appErr.Code)
		assert.Equal(t, int64(30000), appErr.Data["retryAfterMs"])

		user.LastCommandCall["publish"] = now.Add(-2 * time.Minute)
		assert.NoError(t, cool.Authorize(cmdCtx(user, true), policy))
	})
}

func TestEngine_MockRole(t *testing.T) {
	engine := newEngine(t, 0)
	policy := &SecurityPolicy{
		Resource: "articles",
		Roles: map[string]RoleRights{
			"member": {Define: allowAll},
			"admin":  {Define: allowAll},
		},
	}

	t.Run("mocking an ancestor succeeds as that role", func(t *testing.T) {
		admin := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "admin"}
		reqCtx := crudCtx(admin, request.ActionRead, "articles")
		reqCtx.MockRole = "member"

		require.NoError(t, engine.Authorize(reqCtx, policy))
		assert.Equal(t, "member", reqCtx.Role)
	})

	t.Run("mocking self succeeds", func(t *testing.T) {
		admin := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "admin"}
		reqCtx := crudCtx(admin, request.ActionRead, "articles")
		reqCtx.MockRole = "admin"

		assert.NoError(t, engine.Authorize(reqCtx, policy))
	})

	t.Run("mocking an unrelated role is unauthorized", func(t *testing.T) {
		admin := &userDomain.User{ID: uuid.Must(uuid.NewV7()), Role: "admin"}
		reqCtx := crudCtx(admin, request.ActionRead, "articles")
		reqCtx.MockRole = "superuser"

		err := engine.Authorize(reqCtx, policy)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))

		var appErr *apperrors.AppError
		require.True(t, apperrors.As(err, &appErr))
		assert.Equal(t, apperrors.CodeMockRoleDenied, appErr.Code)
	})

	t.Run("role without CanMock cannot mock", func(t *testing.T) {
		member := memberUser()
		reqCtx := crudCtx(member, request.ActionRead, "articles")
		reqCtx.MockRole = "member"

		err := engine.Authorize(reqCtx, policy)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	})
}
