package role

import (
	"fmt"

	"github.com/allisson/gatekeeper/internal/errors"
)

// Registry holds the named roles of the process. It is populated during
// startup and must not be mutated afterwards; reads are lock-free because
// the map never changes once the service is serving requests.
type Registry struct {
	roles map[string]Role
}

// NewRegistry creates an empty role registry with a guest fallback role.
func NewRegistry() *Registry {
	return &Registry{
		roles: map[string]Role{
			GuestRoleName: {Name: GuestRoleName, AllowedTrafficMultiplier: 1},
		},
	}
}

// Register adds a role to the registry. Registering the same name twice is
// a startup programming error and returns ErrDuplicateRole; the caller is
// expected to treat it as fatal.
func (r *Registry) Register(role Role) error {
	if _, exists := r.roles[role.Name]; exists {
		return errors.Wrapf(ErrDuplicateRole, "role %q", role.Name)
	}
	if role.AllowedTrafficMultiplier == 0 {
		role.AllowedTrafficMultiplier = 1
	}
	r.roles[role.Name] = role
	return nil
}

// Resolve returns the role for the given name, or the guest role if the
// name is unknown or empty.
func (r *Registry) Resolve(name string) Role {
	if role, ok := r.roles[name]; ok {
		return role
	}
	return r.roles[GuestRoleName]
}

// Ancestors returns the transitive closure of the role's parents,
// depth-first, parent before grandparent. Unknown parents are skipped.
// The closure carries duplicates if the graph is a diamond; callers that
// need set semantics use AncestorNames.
func (r *Registry) Ancestors(role Role) []Role {
	var out []Role
	for _, name := range role.Inherits {
		parent, ok := r.roles[name]
		if !ok {
			continue
		}
		out = append(out, parent)
		out = append(out, r.Ancestors(parent)...)
	}
	return out
}

// AncestorNames returns the names in the role's ancestor closure plus the
// role itself, deduplicated, self first.
func (r *Registry) AncestorNames(role Role) []string {
	seen := map[string]bool{role.Name: true}
	out := []string{role.Name}
	for _, ancestor := range r.Ancestors(role) {
		if seen[ancestor.Name] {
			continue
		}
		seen[ancestor.Name] = true
		out = append(out, ancestor.Name)
	}
	return out
}

// InAncestry reports whether name is the role itself or one of its ancestors.
func (r *Registry) InAncestry(role Role, name string) bool {
	if role.Name == name {
		return true
	}
	for _, ancestor := range r.Ancestors(role) {
		if ancestor.Name == name {
			return true
		}
	}
	return false
}

// Validate runs the startup validation pass: every inherited parent must be
// registered and the inheritance graph must be acyclic. Ancestors itself
// performs no cycle detection, so a cyclic graph would recurse without
// bound at request time; rejecting it here keeps that impossible.
func (r *Registry) Validate() error {
	for _, role := range r.roles {
		for _, parent := range role.Inherits {
			if _, ok := r.roles[parent]; !ok {
				return errors.Wrapf(ErrUnknownParent, "role %q inherits %q", role.Name, parent)
			}
		}
	}

	// DFS with colors: 0 unvisited, 1 in progress, 2 done.
	state := make(map[string]int, len(r.roles))
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case 1:
			return errors.Wrapf(ErrInheritanceCycle, "%s", fmt.Sprintf("%v", append(trail, name)))
		case 2:
			return nil
		}
		state[name] = 1
		for _, parent := range r.roles[name].Inherits {
			if err := visit(parent, append(trail, name)); err != nil {
				return err
			}
		}
		state[name] = 2
		return nil
	}

	for name := range r.roles {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
