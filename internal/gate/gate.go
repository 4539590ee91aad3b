// Package gate implements the request admission pipeline: the front rate
// limiter, IP and user traffic monitoring with escalating penalties, caller
// resolution with the identity cache, and the hand-off into the
// authorization engine. Every externally originated request passes through
// the gate before any handler runs.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	authService "github.com/allisson/gatekeeper/internal/auth/service"
	"github.com/allisson/gatekeeper/internal/authz"
	"github.com/allisson/gatekeeper/internal/config"
	apperrors "github.com/allisson/gatekeeper/internal/errors"
	"github.com/allisson/gatekeeper/internal/metrics"
	"github.com/allisson/gatekeeper/internal/request"
	"github.com/allisson/gatekeeper/internal/role"
	userDomain "github.com/allisson/gatekeeper/internal/user/domain"
	"github.com/allisson/gatekeeper/internal/writer"
)

// Store is the subset of the user store the gate reads and writes through.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*userDomain.User, error)
	SaveTimeout(ctx context.Context, id uuid.UUID, timeout time.Time, timeoutCount int64) error
	AddHighTrafficCount(ctx context.Context, id uuid.UUID, delta int64) error
	RecordCommandUse(ctx context.Context, id uuid.UUID, command string, at time.Time) error
	AdjustItemCount(ctx context.Context, id uuid.UUID, resource string, delta int64) error
	SetCaptchaRequested(ctx context.Context, id uuid.UUID, requested bool) error
}

// HighTrafficHook is a deployment extension point invoked after a user
// crosses their traffic threshold, before the deny is returned.
type HighTrafficHook func(user *userDomain.User, windowCount int64, penalty int64)

// Settings holds the admission tunables.
type Settings struct {
	RateLimitEnabled        bool
	RateLimitRequestsPerSec float64
	RateLimitBurst          int

	IPCheckEnabled    bool
	UserCheckEnabled  bool
	CounterCapacity   int
	ClearInterval     time.Duration
	IPThreshold       int
	IPTimeoutDuration time.Duration
	UserThreshold     int
	IncidentThreshold int
	TimeoutBase       time.Duration

	IdentityCacheTTL      time.Duration
	IdentityCacheCapacity int

	CaptchaEnabled  bool
	CaptchaEndpoint string

	RevocationClaim string
}

// NewSettings builds gate settings from the application configuration.
func NewSettings(cfg *config.Config) Settings {
	return Settings{
		RateLimitEnabled:        cfg.RateLimitEnabled,
		RateLimitRequestsPerSec: cfg.RateLimitRequestsPerSec,
		RateLimitBurst:          cfg.RateLimitBurst,
		IPCheckEnabled:          cfg.TrafficIPCheckEnabled,
		UserCheckEnabled:        cfg.TrafficUserCheckEnabled,
		CounterCapacity:         cfg.TrafficCounterCapacity,
		ClearInterval:           cfg.TrafficClearInterval,
		IPThreshold:             cfg.TrafficIPThreshold,
		IPTimeoutDuration:       cfg.TrafficIPTimeoutDuration,
		UserThreshold:           cfg.TrafficUserThreshold,
		IncidentThreshold:       cfg.TrafficIncidentThreshold,
		TimeoutBase:             cfg.TrafficTimeoutBase,
		IdentityCacheTTL:        cfg.IdentityCacheTTL,
		IdentityCacheCapacity:   cfg.IdentityCacheCapacity,
		CaptchaEnabled:          cfg.CaptchaEnabled,
		CaptchaEndpoint:         cfg.CaptchaEndpoint,
		RevocationClaim:         cfg.AuthRevocationClaim,
	}
}

// RawRequest is the transport-agnostic view of an incoming request handed to
// the gate by the HTTP middleware (or directly by tests).
type RawRequest struct {
	Method   string
	Path     string
	IP       string
	Token    string // bearer token, empty for guests
	Origin   request.Origin
	Resource string
	Command  string
	MockRole string
	Options  map[string]string
	Body     map[string]any
	Fields   []string // requested projection; derived from the body when empty
	// BatchItems marks a batch submission when positive and carries its size.
	BatchItems int
}

// Gate is the admission pipeline front door. Safe for concurrent use.
type Gate struct {
	settings   Settings
	registry   *role.Registry
	engine     *authz.Engine
	tokens     authService.TokenService
	store      Store
	writer     writer.Enqueuer
	identities *identityCache
	ipCounts   *counterCache
	userCounts *counterCache
	ipTimeouts *timeoutList
	limiters   *limiterCache

	policies map[string]*authz.SecurityPolicy // CRUD policies by resource
	commands map[string]*authz.SecurityPolicy // command policies by name

	onHighTraffic HighTrafficHook
	metrics       metrics.AdmissionMetrics
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithHighTrafficHook installs the deployment high-traffic hook.
func WithHighTrafficHook(hook HighTrafficHook) Option {
	return func(g *Gate) { g.onHighTraffic = hook }
}

// WithNow overrides the gate clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithMetrics installs the admission metrics recorder.
func WithMetrics(m metrics.AdmissionMetrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a Gate.
func New(
	settings Settings,
	registry *role.Registry,
	engine *authz.Engine,
	tokens authService.TokenService,
	store Store,
	w writer.Enqueuer,
	logger *slog.Logger,
	opts ...Option,
) *Gate {
	g := &Gate{
		settings:   settings,
		registry:   registry,
		engine:     engine,
		tokens:     tokens,
		store:      store,
		writer:     w,
		identities: newIdentityCache(settings.IdentityCacheCapacity, settings.IdentityCacheTTL),
		ipCounts:   newCounterCache(settings.CounterCapacity),
		userCounts: newCounterCache(settings.CounterCapacity),
		ipTimeouts: newTimeoutList(settings.CounterCapacity),
		limiters:   newLimiterCache(settings.CounterCapacity, settings.RateLimitRequestsPerSec, settings.RateLimitBurst),
		policies:   make(map[string]*authz.SecurityPolicy),
		commands:   make(map[string]*authz.SecurityPolicy),
		metrics:    metrics.NewNoOpAdmissionMetrics(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterPolicy registers the security policy for a CRUD resource.
// Registration happens once at startup; the maps are read-only afterwards.
func (g *Gate) RegisterPolicy(policy *authz.SecurityPolicy) error {
	if err := policy.Validate(); err != nil {
		return apperrors.Wrapf(err, "invalid policy for resource %q", policy.Resource)
	}
	if _, ok := g.policies[policy.Resource]; ok {
		return apperrors.New(fmt.Sprintf("policy already registered for resource %q", policy.Resource))
	}
	g.policies[policy.Resource] = policy
	return nil
}

// RegisterCommand registers the security policy for a named command.
func (g *Gate) RegisterCommand(command string, policy *authz.SecurityPolicy) error {
	if err := policy.Validate(); err != nil {
		return apperrors.Wrapf(err, "invalid policy for command %q", command)
	}
	if _, ok := g.commands[command]; ok {
		return apperrors.New(fmt.Sprintf("policy already registered for command %q", command))
	}
	g.commands[command] = policy
	return nil
}

// Policy returns the registered policy for a request, or a bad request error
// when the resource or command is unknown.
func (g *Gate) Policy(raw *RawRequest) (*authz.SecurityPolicy, error) {
	if raw.Origin == request.OriginCommand {
		if policy, ok := g.commands[raw.Command]; ok {
			return policy, nil
		}
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown command %q", raw.Command))
	}
	if policy, ok := g.policies[raw.Resource]; ok {
		return policy, nil
	}
	return nil, apperrors.BadRequest(fmt.Sprintf("unknown resource %q", raw.Resource))
}

// AdmitAndAuthorize runs the full admission pipeline for one request: front
// rate limit, IP block list, IP counting, caller resolution (token, identity
// cache, revocation, lockout, captcha), user traffic monitoring, then the
// authorization engine. On success the returned request context carries the
// resolved caller and effective role for the handler.
func (g *Gate) AdmitAndAuthorize(ctx context.Context, raw *RawRequest) (*request.Context, error) {
	start := time.Now()
	reqCtx, err := g.admit(ctx, raw)

	outcome := "admitted"
	code := 0
	if err != nil {
		outcome = "denied"
		var appErr *apperrors.AppError
		if apperrors.As(err, &appErr) {
			code = appErr.Code
		}
	}
	name := raw.Resource
	if name == "" {
		name = raw.Command
	}
	g.metrics.RecordDecision(ctx, string(raw.Origin), name, outcome, code)
	g.metrics.RecordDecisionDuration(ctx, string(raw.Origin), name, time.Since(start), outcome)

	return reqCtx, err
}

func (g *Gate) admit(ctx context.Context, raw *RawRequest) (*request.Context, error) {
	now := g.now()

	if g.settings.RateLimitEnabled && raw.IP != "" {
		if !g.limiters.Get(raw.IP).Allow() {
			return nil, apperrors.TooManyRequests("rate limit exceeded", nil)
		}
	}

	if raw.IP != "" {
		if deadline, blocked := g.ipTimeouts.TimedOut(raw.IP, now); blocked {
			return nil, apperrors.TooManyRequests("source address is timed out", map[string]any{
				"retryAfterMs": deadline.Sub(now).Milliseconds(),
			})
		}
	}

	policy, err := g.Policy(raw)
	if err != nil {
		return nil, err
	}

	// The request that crosses the threshold still passes; the block applies
	// from the next request on.
	g.noteIPTraffic(raw.IP, now)

	user, payload, secure, err := g.resolveCaller(ctx, raw, now)
	if err != nil {
		return nil, err
	}

	reqCtx := g.buildContext(raw, user, payload, secure)

	if err := g.noteUserTraffic(reqCtx, now); err != nil {
		return nil, err
	}

	// Batch submissions get the batch ceiling and whole-batch quota check on
	// top of the regular role check; Authorize skips the single-item quota
	// for them.
	if raw.BatchItems > 0 {
		reqCtx.IsBatch = true
		if err := g.engine.AuthorizeBatch(reqCtx, raw.BatchItems, policy); err != nil {
			return nil, err
		}
	}

	if err := g.engine.Authorize(reqCtx, policy); err != nil {
		return nil, err
	}

	if raw.Origin == request.OriginCommand {
		g.recordCommandUse(reqCtx, policy, now)
	}

	return reqCtx, nil
}

// recordCommandUse advances the caller's per-command counters after a command
// is admitted, so cooldowns and usage ceilings bind the next invocation. The
// mutated user goes back into the identity cache; the write is asynchronous.
func (g *Gate) recordCommandUse(reqCtx *request.Context, policy *authz.SecurityPolicy, now time.Time) {
	if reqCtx.Guest() {
		return
	}
	if !policy.UsageLimited() && policy.MinTimeBetweenCmdCalls <= 0 {
		return
	}
	user := reqCtx.User

	if user.CommandUses == nil {
		user.CommandUses = map[string]int64{}
	}
	user.CommandUses[reqCtx.Command]++
	if user.LastCommandCall == nil {
		user.LastCommandCall = map[string]time.Time{}
	}
	user.LastCommandCall[reqCtx.Command] = now

	g.identities.Put(user)

	userID := user.ID
	command := reqCtx.Command
	g.writer.Enqueue(writer.Op{
		Name: "gate.record_command_use",
		Do: func(ctx context.Context) error {
			return g.store.RecordCommandUse(ctx, userID, command, now)
		},
	})
}

// NoteItemsCreated adjusts the caller's per-resource item count after the
// storage layer reports a successful create or delete. The delta may be
// negative. The cached identity is refreshed so the next quota check sees
// the new count.
func (g *Gate) NoteItemsCreated(reqCtx *request.Context, resource string, delta int64) {
	if reqCtx == nil || reqCtx.Guest() || delta == 0 {
		return
	}
	user := reqCtx.User

	if user.ItemCounts == nil {
		user.ItemCounts = map[string]int64{}
	}
	user.ItemCounts[resource] += delta
	if user.ItemCounts[resource] < 0 {
		user.ItemCounts[resource] = 0
	}

	g.identities.Put(user)

	userID := user.ID
	g.writer.Enqueue(writer.Op{
		Name: "gate.adjust_item_count",
		Do: func(ctx context.Context) error {
			return g.store.AdjustItemCount(ctx, userID, resource, delta)
		},
	})
}

// Run clears the traffic counters on the configured interval until the
// context is canceled. The wholesale clear turns raw counts into a coarse
// per-interval window.
func (g *Gate) Run(ctx context.Context) {
	interval := g.settings.ClearInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ClearCounters()
		}
	}
}

// ClearCounters wipes the IP and user counters and the IP block list.
func (g *Gate) ClearCounters() {
	g.ipCounts.Clear()
	g.userCounts.Clear()
	g.ipTimeouts.Clear()
	g.logger.Debug("traffic counters cleared")
}

// Invalidate drops a user's cached identity so their next request refetches.
// Called after out-of-band account changes (role change, token revocation,
// captcha resolution).
func (g *Gate) Invalidate(userID uuid.UUID) {
	g.identities.Remove(userID)
}

// resolveCaller turns the bearer token into a user. Guests carry no token.
// State-changing requests always fetch a fresh identity; reads may run on a
// cached one, reported through the secure flag.
func (g *Gate) resolveCaller(ctx context.Context, raw *RawRequest, now time.Time) (*userDomain.User, authService.Payload, bool, error) {
	if raw.Token == "" {
		return nil, nil, false, nil
	}

	payload, err := g.tokens.Verify(raw.Token)
	if err != nil {
		return nil, nil, false, err
	}
	userID, err := payload.UserID()
	if err != nil {
		return nil, nil, false, err
	}

	secure := request.StateChanging(raw.Method)

	var user *userDomain.User
	if !secure {
		user, _ = g.identities.Get(userID)
	}
	if user == nil {
		user, err = g.store.GetByID(ctx, userID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return nil, nil, false, apperrors.Unauthorized(
					apperrors.CodeUserNotFound, "user not found", nil)
			}
			return nil, nil, false, apperrors.Wrap(err, "fetch caller")
		}
		secure = true
		g.identities.Put(user)
	}

	// A token minted before the last revocation carries a stale counter.
	if payload.RevocationCounter(g.settings.RevocationClaim) != user.TokenVersion {
		return nil, nil, false, apperrors.Unauthorized(
			apperrors.CodeTokenMismatch, "token has been revoked", nil)
	}

	if user.TimedOutAt(now) {
		return nil, nil, false, apperrors.Unauthorized(
			apperrors.CodeTimedOut, "account is timed out", map[string]any{
				"unlockAt": user.Timeout.UTC().Format(time.RFC3339),
			})
	}

	// A pending captcha blocks everything except the resolution endpoint. A
	// stale request flag on an account that already passed a captcha does
	// not.
	if g.settings.CaptchaEnabled && user.CaptchaRequested && !user.DidCaptcha && raw.Path != g.settings.CaptchaEndpoint {
		return nil, nil, false, apperrors.Unauthorized(
			apperrors.CodeCaptchaRequired, "captcha required", map[string]any{
				"captchaEndpoint": g.settings.CaptchaEndpoint,
			})
	}

	return user, payload, secure, nil
}

// buildContext assembles the per-request context for the engine.
func (g *Gate) buildContext(raw *RawRequest, user *userDomain.User, payload authService.Payload, secure bool) *request.Context {
	reqCtx := &request.Context{
		User:     user,
		Action:   request.ActionForMethod(raw.Method),
		Command:  raw.Command,
		Origin:   raw.Origin,
		Resource: raw.Resource,
		IP:       raw.IP,
		Endpoint: raw.Path,
		Payload:  payload,
		MockRole: raw.MockRole,
		Options:  raw.Options,
		Body:     raw.Body,
		Secure:   secure,
	}
	if user != nil {
		reqCtx.UserID = user.ID
	}
	if raw.Origin == request.OriginCommand {
		reqCtx.Resource = raw.Command
		if raw.Resource != "" {
			reqCtx.Resource = raw.Resource
		}
	}

	reqCtx.Fields = raw.Fields
	if len(reqCtx.Fields) == 0 && len(raw.Body) > 0 {
		fields := make([]string, 0, len(raw.Body))
		for key := range raw.Body {
			fields = append(fields, key)
		}
		sort.Strings(fields)
		reqCtx.Fields = fields
	}
	return reqCtx
}

// noteIPTraffic counts a request against its source address and blocks the
// address once it crosses the threshold within the current window.
func (g *Gate) noteIPTraffic(ip string, now time.Time) {
	if !g.settings.IPCheckEnabled || ip == "" {
		return
	}

	count := g.ipCounts.Increment(ip)
	if count <= int64(g.settings.IPThreshold) {
		return
	}

	g.ipTimeouts.SetUntil(ip, now.Add(g.settings.IPTimeoutDuration))
	g.ipCounts.Reset(ip)
	g.logger.Warn("ip timed out for high traffic",
		slog.String("ip", ip),
		slog.Int64("count", count),
	)
}

// noteUserTraffic counts a request against the caller and applies the
// high-traffic penalty once the role-scaled threshold is crossed: the
// penalty is recorded on the account, a captcha is demanded, the counting
// window restarts, and a repeat offender receives an escalating lockout.
// Guests are counted per IP only.
func (g *Gate) noteUserTraffic(reqCtx *request.Context, now time.Time) error {
	if !g.settings.UserCheckEnabled || reqCtx.Guest() {
		return nil
	}
	user := reqCtx.User

	count := g.userCounts.Increment(user.ID.String())

	multiplier := g.registry.Resolve(user.Role).AllowedTrafficMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	scaled := int64(float64(g.settings.UserThreshold) * multiplier)
	if count <= scaled {
		return nil
	}

	// Roles with a raised allowance are penalized relative to their own
	// threshold; everyone else relative to the base one.
	var penalty int64
	if multiplier > 1 {
		penalty = int64(math.Round(float64(count) / float64(scaled)))
	} else {
		penalty = int64(math.Round(float64(count) / float64(g.settings.UserThreshold)))
	}
	if penalty < 1 {
		penalty = 1
	}

	user.HighTrafficCount += penalty
	user.CaptchaRequested = true
	g.userCounts.Reset(user.ID.String())
	g.identities.Put(user)

	userID := user.ID
	g.writer.Enqueue(writer.Op{
		Name: "gate.add_high_traffic_count",
		Do: func(ctx context.Context) error {
			return g.store.AddHighTrafficCount(ctx, userID, penalty)
		},
	})
	g.writer.Enqueue(writer.Op{
		Name: "gate.set_captcha_requested",
		Do: func(ctx context.Context) error {
			return g.store.SetCaptchaRequested(ctx, userID, true)
		},
	})

	if g.onHighTraffic != nil {
		g.onHighTraffic(user, count, penalty)
	}

	g.logger.Warn("user high traffic penalty",
		slog.String("user_id", userID.String()),
		slog.Int64("window_count", count),
		slog.Int64("penalty", penalty),
		slog.Int64("high_traffic_total", user.HighTrafficCount),
	)

	if user.HighTrafficCount >= int64(g.settings.IncidentThreshold) {
		return g.applyAccountTimeout(reqCtx, now)
	}

	return apperrors.TooManyRequests("too many requests", map[string]any{
		"penalty": penalty,
	})
}

// applyAccountTimeout locks the account for an escalating duration. The
// mutated user is written back into the identity cache so the lockout holds
// even for cached reads, and persisted through the async writer.
func (g *Gate) applyAccountTimeout(reqCtx *request.Context, now time.Time) error {
	user := reqCtx.User

	user.TimeoutCount++
	factor := user.TimeoutCount
	if factor < 1 {
		factor = 1
	}
	until := now.Add(time.Duration(factor) * g.settings.TimeoutBase)
	user.Timeout = &until

	g.identities.Put(user)

	userID := user.ID
	timeoutCount := user.TimeoutCount
	g.writer.Enqueue(writer.Op{
		Name: "gate.save_timeout",
		Do: func(ctx context.Context) error {
			return g.store.SaveTimeout(ctx, userID, until, timeoutCount)
		},
	})

	g.logger.Warn("account timed out for repeated high traffic",
		slog.String("user_id", userID.String()),
		slog.Time("until", until),
		slog.Int64("timeout_count", timeoutCount),
	)

	return apperrors.Unauthorized(
		apperrors.CodeTimedOut, "account is timed out", map[string]any{
			"unlockAt": until.UTC().Format(time.RFC3339),
		})
}
