package app

import (
	"fmt"

	authService "github.com/allisson/gatekeeper/internal/auth/service"
	"github.com/allisson/gatekeeper/internal/authz"
	"github.com/allisson/gatekeeper/internal/gate"
	"github.com/allisson/gatekeeper/internal/metrics"
	"github.com/allisson/gatekeeper/internal/request"
	"github.com/allisson/gatekeeper/internal/role"
	"github.com/allisson/gatekeeper/internal/trust"
)

// Registry returns the role registry seeded with the built-in role hierarchy.
func (c *Container) Registry() (*role.Registry, error) {
	var err error
	c.registryInit.Do(func() {
		c.registry, err = c.initRegistry()
		if err != nil {
			c.initErrors["registry"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["registry"]; exists {
		return nil, storedErr
	}
	return c.registry, nil
}

// TokenService returns the bearer token service.
func (c *Container) TokenService() authService.TokenService {
	c.tokenServiceInit.Do(func() {
		c.tokenService = authService.NewTokenService(
			c.config.AuthTokenSecret,
			c.config.AuthRevocationClaim,
		)
	})
	return c.tokenService
}

// TrustService returns the trust score service.
func (c *Container) TrustService() (*trust.Service, error) {
	var err error
	c.trustServiceInit.Do(func() {
		c.trustService, err = c.initTrustService()
		if err != nil {
			c.initErrors["trustService"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["trustService"]; exists {
		return nil, storedErr
	}
	return c.trustService, nil
}

// Engine returns the authorization engine.
func (c *Container) Engine() (*authz.Engine, error) {
	var err error
	c.engineInit.Do(func() {
		c.engine, err = c.initEngine()
		if err != nil {
			c.initErrors["engine"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["engine"]; exists {
		return nil, storedErr
	}
	return c.engine, nil
}

// Gate returns the admission gate with the built-in policies registered.
func (c *Container) Gate() (*gate.Gate, error) {
	var err error
	c.gateInit.Do(func() {
		c.gate, err = c.initGate()
		if err != nil {
			c.initErrors["gate"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["gate"]; exists {
		return nil, storedErr
	}
	return c.gate, nil
}

// initRegistry builds the role hierarchy. Guest is implicit in the registry;
// member is the base authenticated tier, editor extends it with write access,
// admin sits on top with mocking and the batch allowance, and service is the
// machine tier for trusted integrations reporting incidents and errors.
func (c *Container) initRegistry() (*role.Registry, error) {
	registry := role.NewRegistry()

	roles := []role.Role{
		{Name: "member", AllowedTrafficMultiplier: 1},
		{Name: "editor", Inherits: []string{"member"}, AllowedTrafficMultiplier: 2},
		{Name: "admin", Inherits: []string{"editor"}, IsAdminRole: true, CanMock: true, AllowedTrafficMultiplier: 4},
		{Name: "service", NoTokenRefresh: true, AllowedTrafficMultiplier: 10},
	}
	for _, r := range roles {
		if err := registry.Register(r); err != nil {
			return nil, fmt.Errorf("failed to register role %q: %w", r.Name, err)
		}
	}

	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid role hierarchy: %w", err)
	}
	return registry, nil
}

// initTrustService creates the trust score service.
func (c *Container) initTrustService() (*trust.Service, error) {
	registry, err := c.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to get role registry for trust service: %w", err)
	}

	userRepo, err := c.UserRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get user repository for trust service: %w", err)
	}

	return trust.NewService(
		registry,
		userRepo,
		c.Writer(),
		c.config.TrustMaxAge,
		c.Logger(),
	), nil
}

// initEngine creates the authorization engine.
func (c *Container) initEngine() (*authz.Engine, error) {
	registry, err := c.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to get role registry for engine: %w", err)
	}

	trustService, err := c.TrustService()
	if err != nil {
		return nil, fmt.Errorf("failed to get trust service for engine: %w", err)
	}

	return authz.NewEngine(
		registry,
		trustService,
		c.config.DefaultMaxItemsPerUser,
		c.config.AdminBatchAllowance,
		c.Logger(),
	), nil
}

// initGate creates the admission gate and registers the built-in policies.
func (c *Container) initGate() (*gate.Gate, error) {
	registry, err := c.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to get role registry for gate: %w", err)
	}

	engine, err := c.Engine()
	if err != nil {
		return nil, fmt.Errorf("failed to get engine for gate: %w", err)
	}

	userRepo, err := c.UserRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get user repository for gate: %w", err)
	}

	var opts []gate.Option
	if c.config.MetricsEnabled {
		provider, err := c.MetricsProvider()
		if err != nil {
			return nil, fmt.Errorf("failed to get metrics provider for gate: %w", err)
		}
		admissionMetrics, err := metrics.NewAdmissionMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create admission metrics: %w", err)
		}
		opts = append(opts, gate.WithMetrics(admissionMetrics))
	}

	g := gate.New(
		gate.NewSettings(c.config),
		registry,
		engine,
		c.TokenService(),
		userRepo,
		c.Writer(),
		c.Logger(),
		opts...,
	)

	if err := g.RegisterPolicy(userPolicy(c.config.DefaultMaxItemsPerUser)); err != nil {
		return nil, fmt.Errorf("failed to register users policy: %w", err)
	}
	for command, policy := range commandPolicies() {
		if err := g.RegisterCommand(command, policy); err != nil {
			return nil, fmt.Errorf("failed to register command %q: %w", command, err)
		}
	}

	return g, nil
}

// userPolicy is the access policy for the users resource. Members read the
// public profile fields, editors additionally update their mutable fields,
// admins get full access plus batch reads.
func userPolicy(maxItemsPerUser int64) *authz.SecurityPolicy {
	memberFields := []string{"id", "email", "emailVerified", "role", "createdAt"}

	return &authz.SecurityPolicy{
		Resource:            "users",
		MaxItemsPerUser:     maxItemsPerUser,
		AlwaysExcludeFields: []string{"tokenVersion", "timeoutUntil", "timeoutCount"},
		Roles: map[string]authz.RoleRights{
			"member": {
				Define: func(allow authz.RuleFunc, deny authz.RuleFunc, reqCtx *request.Context) {
					allow(authz.Rule{Actions: []string{request.ActionRead}, Resource: "users", Fields: memberFields})
				},
				Fields: memberFields,
			},
			"editor": {
				Define: func(allow authz.RuleFunc, deny authz.RuleFunc, reqCtx *request.Context) {
					allow(authz.Rule{Actions: []string{request.ActionUpdate}, Resource: "users", Fields: []string{"email"}})
				},
			},
			"admin": {
				Define: func(allow authz.RuleFunc, deny authz.RuleFunc, reqCtx *request.Context) {
					allow(authz.Rule{Actions: []string{"all"}})
				},
				MaxBatchSize: 50,
			},
		},
	}
}

// commandPolicies are the built-in command policies: captcha resolution,
// token revocation, and the incident and error reports submitted by trusted
// services.
func commandPolicies() map[string]*authz.SecurityPolicy {
	allowAll := func(allow authz.RuleFunc, deny authz.RuleFunc, reqCtx *request.Context) {
		allow(authz.Rule{Actions: []string{"all"}})
	}

	return map[string]*authz.SecurityPolicy{
		"captcha": {
			Resource:   "captcha",
			SecureOnly: true,
			Roles: map[string]authz.RoleRights{
				"member": {DefineCommand: allowAll},
			},
		},
		"revoke_tokens": {
			Resource:   "revoke_tokens",
			SecureOnly: true,
			Roles: map[string]authz.RoleRights{
				"member": {DefineCommand: allowAll},
			},
		},
		"report_incident": {
			Resource: "report_incident",
			Roles: map[string]authz.RoleRights{
				"service": {DefineCommand: allowAll},
				"admin":   {DefineCommand: allowAll},
			},
		},
		"report_error": {
			Resource: "report_error",
			Roles: map[string]authz.RoleRights{
				"service": {DefineCommand: allowAll},
				"admin":   {DefineCommand: allowAll},
			},
		},
	}
}
