// Package authz implements the authorization engine: per-resource security
// policies, a small allow/deny rule engine, and the recursive role check
// over the inheritance graph.
package authz

import (
	"slices"

	"github.com/allisson/gatekeeper/internal/request"
)

// Effect marks a rule as granting or revoking access.
type Effect int

const (
	// Allow grants the matched action/fields.
	Allow Effect = iota

	// Deny revokes the matched action/fields even if an allow rule matched.
	Deny
)

// Rule is one allow/deny entry produced by a role's ability callback.
// Rules are plain data so test fixtures can declare and compare them directly.
type Rule struct {
	Actions  []string       // action names or group aliases ("crud", "write", ...)
	Resource string         // target resource, empty matches any
	Fields   []string       // field allow-list, empty matches all fields
	Attrs    map[string]any // attribute match against the request body, nil matches always
	Options  bool           // rule applies to query/option keys instead of body fields
	Effect   Effect
}

// actionGroups aliases one rule action to a set of checked actions, so a
// single "crud" rule covers all four verbs. Command names only ever match
// as singles or through "all".
var actionGroups = map[string][]string{
	"all":         nil, // matches everything
	"crud":        {request.ActionCreate, request.ActionRead, request.ActionUpdate, request.ActionDelete},
	"cud":         {request.ActionCreate, request.ActionUpdate, request.ActionDelete},
	"write":       {request.ActionCreate, request.ActionUpdate},
	"modify":      {request.ActionUpdate, request.ActionDelete},
	"read-create": {request.ActionRead, request.ActionCreate},
	"read-update": {request.ActionRead, request.ActionUpdate},
	"read-delete": {request.ActionRead, request.ActionDelete},
}

// actionMatches reports whether a rule action covers the checked action,
// either directly or through a group alias.
func actionMatches(ruleAction, action string) bool {
	if ruleAction == action {
		return true
	}
	group, ok := actionGroups[ruleAction]
	if !ok {
		return false
	}
	if ruleAction == "all" {
		return true
	}
	return slices.Contains(group, action)
}

// metaOptionKeys are query keys every role may always send; they shape the
// response rather than the data and are skipped by the options check.
var metaOptionKeys = map[string]bool{
	"limit":    true,
	"offset":   true,
	"sort":     true,
	"fields":   true,
	"mockRole": true,
}

// IsMetaOption reports whether the query key is on the fixed meta allow-list.
func IsMetaOption(key string) bool {
	return metaOptionKeys[key]
}

// RuleFunc registers one rule; ability callbacks receive one for allows and
// one for denies.
type RuleFunc func(rule Rule)

// AbilityFunc is the per-role rule producer. It must be pure: rules derive
// only from the request context it is given.
type AbilityFunc func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context)

// Ability is an evaluated rule set for one role and one request.
type Ability struct {
	rules []Rule
}

// BuildAbility runs the callback and collects its rules in registration order.
func BuildAbility(define AbilityFunc, reqCtx *request.Context) *Ability {
	ability := &Ability{}
	if define == nil {
		return ability
	}
	allow := func(rule Rule) {
		rule.Effect = Allow
		ability.rules = append(ability.rules, rule)
	}
	deny := func(rule Rule) {
		rule.Effect = Deny
		ability.rules = append(ability.rules, rule)
	}
	define(allow, deny, reqCtx)
	return ability
}

// Rules returns the collected rules, exposed for serializable test fixtures.
func (a *Ability) Rules() []Rule {
	return a.rules
}

// matches reports whether the rule applies to the given action, resource and
// field in the given scope, with its attribute conditions satisfied by the
// request body.
func (r *Rule) matches(action, resource, field string, options bool, body map[string]any) bool {
	if r.Options != options {
		return false
	}
	if r.Resource != "" && r.Resource != resource {
		return false
	}

	matched := false
	for _, ruleAction := range r.Actions {
		if actionMatches(ruleAction, action) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	if len(r.Fields) > 0 && field != "all" && !slices.Contains(r.Fields, field) {
		return false
	}

	for key, want := range r.Attrs {
		if body[key] != want {
			return false
		}
	}
	return true
}

// Forbids is the body-scoped forbid predicate: a field is forbidden unless
// some allow rule covers it and no deny rule revokes it. Default is deny.
func (a *Ability) Forbids(action, resource, field string, body map[string]any) bool {
	return a.forbids(action, resource, field, false, body)
}

// ForbidsOption is the options-scoped forbid predicate for query keys.
func (a *Ability) ForbidsOption(action, resource, key string, body map[string]any) bool {
	return a.forbids(action, resource, key, true, body)
}

func (a *Ability) forbids(action, resource, field string, options bool, body map[string]any) bool {
	allowed := false
	for i := range a.rules {
		rule := &a.rules[i]
		if !rule.matches(action, resource, field, options, body) {
			continue
		}
		if rule.Effect == Deny {
			return true
		}
		allowed = true
	}
	return !allowed
}
