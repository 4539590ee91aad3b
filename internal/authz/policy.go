package authz

import (
	"time"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/gatekeeper/internal/errors"
)

// RoleRights declares what one role may do on a resource. Rights are plain
// records keyed by role name on the policy; per-role behavior is dispatched
// through the ability callbacks, not through role subtypes.
type RoleRights struct {
	// Define produces the rules for CRUD-origin requests. Nil means the
	// role has no CRUD rights on this resource.
	Define AbilityFunc

	// DefineCommand produces the rules for command-origin requests.
	DefineCommand AbilityFunc

	// Fields is an optional fixed allow-list; when set and the operation is
	// a read, it overwrites the requested projection.
	Fields []string

	// MaxBatchSize is the largest batch this role may submit. The effective
	// ceiling is the max over the role and its ancestors.
	MaxBatchSize int
}

// SecurityPolicy is the per-resource (or per-command) access policy. Built
// once at service registration and read-only thereafter.
type SecurityPolicy struct {
	Resource string

	// GuestCanReadAll allows unauthenticated reads unconditionally.
	GuestCanReadAll bool

	// GuestCanUseAll allows unauthenticated command invocation unconditionally.
	GuestCanUseAll bool

	// MaxItemsInDB is the absolute storage cap for the resource. Enforced at
	// the storage layer; carried here so deployments can surface it.
	MaxItemsInDB int64

	// MaxItemsPerUser caps items a single user may create. Zero falls back
	// to the system default.
	MaxItemsPerUser int64

	// AdditionalItemsInDBPerTrustPoints raises the per-user cap by this many
	// items per trust point.
	AdditionalItemsInDBPerTrustPoints int64

	// AlwaysExcludeFields are stripped from responses regardless of role.
	AlwaysExcludeFields []string

	// Roles maps role name to that role's rights.
	Roles map[string]RoleRights

	// Command-only settings, set on per-command policies.

	// MaxUsesPerUser caps invocations of the command per user. Zero = unlimited.
	MaxUsesPerUser int64

	// AdditionalUsesPerTrustPoint raises the usage cap per trust point.
	AdditionalUsesPerTrustPoint int64

	// MinTimeBetweenCmdCalls is the per-user cooldown between invocations.
	MinTimeBetweenCmdCalls time.Duration

	// SecureOnly requires a freshly fetched identity (never a cached one).
	SecureOnly bool

	// BatchField names the payload field holding the batch when the command
	// accepts batched input.
	BatchField string
}

// Validate checks the policy for construction mistakes. Called once at
// registration; failures are startup errors.
func (p *SecurityPolicy) Validate() error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.Resource, validation.Required),
		validation.Field(&p.MaxItemsPerUser, validation.Min(int64(0))),
		validation.Field(&p.AdditionalItemsInDBPerTrustPoints, validation.Min(int64(0))),
		validation.Field(&p.MaxUsesPerUser, validation.Min(int64(0))),
		validation.Field(&p.AdditionalUsesPerTrustPoint, validation.Min(int64(0))),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
	}
	for name, rights := range p.Roles {
		if rights.MaxBatchSize < 0 {
			return apperrors.Wrapf(apperrors.ErrInvalidInput, "role %q: negative maxBatchSize", name)
		}
	}
	return nil
}

// UsageLimited reports whether the command declares per-user usage limits.
func (p *SecurityPolicy) UsageLimited() bool {
	return p.MaxUsesPerUser > 0
}
