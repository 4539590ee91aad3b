// Package trust computes and caches the per-user trust score.
//
// The score is a lagging reputation number derived from account history,
// used to scale quotas. It is recomputed at most once per freshness window;
// within the window the stored value is authoritative, and within a single
// request the first computed value is memoized on the request context.
package trust

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/gatekeeper/internal/request"
	"github.com/allisson/gatekeeper/internal/role"
	userDomain "github.com/allisson/gatekeeper/internal/user/domain"
	"github.com/allisson/gatekeeper/internal/writer"
)

// Scoring thresholds. Each reached threshold contributes its weight once;
// e.g. an account 12 weeks old gets +3 from the first three age thresholds.
var (
	ageThresholdsWeeks    = []int64{1, 4, 12, 24, 48}
	incidentThresholds    = []int64{1, 100, 1000}
	highTrafficThresholds = []int64{1, 10, 100, 1000}
	errorThresholds       = []int64{1, 100, 1000}
)

const (
	emailVerifiedBonus = 4
	adminRoleBonus     = 4
	captchaDoneBonus   = 2
	incidentPenalty    = 2
	highTrafficPenalty = 2
	errorPenalty       = 1

	// captchaFloor is the score at or below which a captcha is requested.
	captchaFloor = 2
)

// Persister is the subset of the user store the trust service writes through.
type Persister interface {
	SaveTrust(ctx context.Context, id uuid.UUID, trust int, computedAt time.Time) error
	SetCaptchaRequested(ctx context.Context, id uuid.UUID, requested bool) error
}

// AdjustFunc is a deployment extension point run on the freshly computed
// score before persistence.
type AdjustFunc func(score int, user *userDomain.User) int

// Service computes, caches and persists trust scores.
type Service struct {
	registry *role.Registry
	store    Persister
	writer   writer.Enqueuer
	maxAge   time.Duration
	adjust   AdjustFunc
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAdjust installs the deployment score-adjustment hook.
func WithAdjust(adjust AdjustFunc) Option {
	return func(s *Service) { s.adjust = adjust }
}

// WithNow overrides the service clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a trust score service.
func NewService(
	registry *role.Registry,
	store Persister,
	w writer.Enqueuer,
	maxAge time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		registry: registry,
		store:    store,
		writer:   w,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCompute returns the trust score for the request. The request context
// value wins; a stored score within the freshness window is returned as-is;
// otherwise the score is recomputed, persisted fire-and-forget, and the
// in-memory user and request context are updated synchronously so later
// pipeline stages see the fresh value immediately.
func (s *Service) GetOrCompute(reqCtx *request.Context, user *userDomain.User) int {
	if reqCtx != nil && reqCtx.Trust != nil {
		return *reqCtx.Trust
	}

	if user == nil {
		return s.memoize(reqCtx, 0)
	}

	now := s.now().UTC()
	if !user.LastComputedTrust.IsZero() && now.Sub(user.LastComputedTrust) <= s.maxAge {
		return s.memoize(reqCtx, user.Trust)
	}

	score := s.compute(user, now)

	if score <= captchaFloor && !user.CaptchaRequested {
		user.CaptchaRequested = true
		userID := user.ID
		s.writer.Enqueue(writer.Op{
			Name: "trust.set_captcha_requested",
			Do: func(ctx context.Context) error {
				return s.store.SetCaptchaRequested(ctx, userID, true)
			},
		})
	}

	if s.adjust != nil {
		score = s.adjust(score, user)
	}

	user.Trust = score
	user.LastComputedTrust = now

	userID := user.ID
	s.writer.Enqueue(writer.Op{
		Name: "trust.save",
		Do: func(ctx context.Context) error {
			return s.store.SaveTrust(ctx, userID, score, now)
		},
	})

	s.logger.Debug("trust score recomputed",
		slog.String("user_id", userID.String()),
		slog.Int("trust", score),
	)

	return s.memoize(reqCtx, score)
}

func (s *Service) memoize(reqCtx *request.Context, score int) int {
	if reqCtx != nil {
		reqCtx.Trust = &score
	}
	return score
}

func (s *Service) compute(user *userDomain.User, now time.Time) int {
	score := 0

	if user.EmailVerified {
		score += emailVerifiedBonus
	}

	ageWeeks := int64(now.Sub(user.CreatedAt).Hours() / (24 * 7))
	for _, threshold := range ageThresholdsWeeks {
		if ageWeeks >= threshold {
			score++
		}
	}

	if s.registry.Resolve(user.Role).IsAdminRole {
		score += adminRoleBonus
	}

	for _, threshold := range incidentThresholds {
		if user.IncidentCount >= threshold {
			score -= incidentPenalty
		}
	}
	for _, threshold := range highTrafficThresholds {
		if user.HighTrafficCount >= threshold {
			score -= highTrafficPenalty
		}
	}
	for _, threshold := range errorThresholds {
		if user.ErrorCount >= threshold {
			score -= errorPenalty
		}
	}

	if user.DidCaptcha {
		score += captchaDoneBonus
	}

	return score
}
