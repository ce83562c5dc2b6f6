package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xela07ax/spaceai-flowguard/internal/capability"
)

func TestDecision_Normalize(t *testing.T) {
	assert.Equal(t, DecisionPass, DecisionPass.Normalize())
	assert.Equal(t, DecisionNotApplicable, DecisionNotApplicable.Normalize())
	assert.Equal(t, DecisionFail, Decision("").Normalize())
	assert.Equal(t, DecisionFail, Decision("ALLOW").Normalize())
}

func TestAppliesTo(t *testing.T) {
	assert.True(t, AppliesTo(nil, "send_email"))
	assert.True(t, AppliesTo([]string{"*"}, "send_email"))
	assert.True(t, AppliesTo([]string{"search_document", " send_email"}, "send_email"))
	assert.False(t, AppliesTo([]string{"search_document"}, "send_email"))
}

func TestToolSpec_RequiredFor(t *testing.T) {
	spec := ToolSpec{
		Name: "send_email",
		Required: map[string]capability.Set{
			"recipient": capability.New(capability.TrustedEmail),
			AnyParam:    capability.New("not_revoked"),
		},
	}
	assert.Equal(t, []string{"not_revoked", "trusted_email"}, spec.RequiredFor("recipient").Sorted())
	assert.Equal(t, []string{"not_revoked"}, spec.RequiredFor("document").Sorted())
}

func TestToolSpec_Grant(t *testing.T) {
	assert.Equal(t, capability.Capability(""), ToolSpec{Grants: capability.Sanitized}.Grant())
	assert.Equal(t, capability.Sanitized, ToolSpec{Sanitizer: true}.Grant())
	assert.Equal(t, capability.Capability("reviewed"), ToolSpec{Sanitizer: true, Grants: "reviewed"}.Grant())
}
