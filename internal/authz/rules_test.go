package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/allisson/gatekeeper/internal/request"
)

func TestActionMatches(t *testing.T) {
	tests := []struct {
		ruleAction string
		action     string
		want       bool
	}{
		{"all", request.ActionDelete, true},
		{"all", "publish", true},
		{"crud", request.ActionRead, true},
		{"cud", request.ActionRead, false},
		{"write", request.ActionCreate, true},
		{"write", request.ActionDelete, false},
		{"modify", request.ActionUpdate, true},
		{"read-create", request.ActionCreate, true},
		{"read-delete", request.ActionUpdate, false},
		{request.ActionRead, request.ActionRead, true},
		{"publish", "publish", true},
		{"publish", request.ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.ruleAction+"/"+tt.action, func(t *testing.T) {
			assert.Equal(t, tt.want, actionMatches(tt.ruleAction, tt.action))
		})
	}
}

func TestAbility_Forbids(t *testing.T) {
	t.Run("default deny with no rules", func(t *testing.T) {
		ability := BuildAbility(nil, &request.Context{})
		assert.True(t, ability.Forbids(request.ActionRead, "articles", "all", nil))
	})

	t.Run("deny revokes a matching allow", func(t *testing.T) {
		ability := BuildAbility(func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
			allow(Rule{Actions: []string{"crud"}})
			deny(Rule{Actions: []string{"crud"}, Fields: []string{"secret"}})
		}, &request.Context{})

		assert.False(t, ability.Forbids(request.ActionUpdate, "articles", "title", nil))
		assert.True(t, ability.Forbids(request.ActionUpdate, "articles", "secret", nil))
	})

	t.Run("field-limited allow matches the all pseudo-field", func(t *testing.T) {
		ability := BuildAbility(func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
			allow(Rule{Actions: []string{"read"}, Fields: []string{"title"}})
		}, &request.Context{})

		assert.False(t, ability.Forbids(request.ActionRead, "articles", "all", nil))
		assert.True(t, ability.Forbids(request.ActionRead, "articles", "body", nil))
	})

	t.Run("resource scoping", func(t *testing.T) {
		ability := BuildAbility(func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
			allow(Rule{Actions: []string{"crud"}, Resource: "articles"})
		}, &request.Context{})

		assert.False(t, ability.Forbids(request.ActionRead, "articles", "all", nil))
		assert.True(t, ability.Forbids(request.ActionRead, "comments", "all", nil))
	})

	t.Run("attribute conditions match against the body", func(t *testing.T) {
		ability := BuildAbility(func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
			allow(Rule{Actions: []string{"update"}, Attrs: map[string]any{"status": "draft"}})
		}, &request.Context{})

		assert.False(t, ability.Forbids(request.ActionUpdate, "articles", "all", map[string]any{"status": "draft"}))
		assert.True(t, ability.Forbids(request.ActionUpdate, "articles", "all", map[string]any{"status": "published"}))
		assert.True(t, ability.Forbids(request.ActionUpdate, "articles", "all", nil))
	})

	t.Run("body rules do not leak into the options scope", func(t *testing.T) {
		ability := BuildAbility(func(allow RuleFunc, deny RuleFunc, reqCtx *request.Context) {
			allow(Rule{Actions: []string{"all"}})
		}, &request.Context{})

		assert.False(t, ability.Forbids(request.ActionRead, "articles", "all", nil))
		assert.True(t, ability.ForbidsOption(request.ActionRead, "articles", "filter", nil))
	})
}

func TestIsMetaOption(t *testing.T) {
	for _, key := range []string{"limit", "offset", "sort", "fields", "mockRole"} {
		assert.True(t, IsMetaOption(key), key)
	}
	assert.False(t, IsMetaOption("filter"))
}
