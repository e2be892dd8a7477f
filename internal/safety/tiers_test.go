package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name     string
	mutating bool
}

func (s stubTool) Name() string        { return s.name }
func (s stubTool) Description() string { return "" }
func (s stubTool) Mutating() bool      { return s.mutating }
func (s stubTool) Resources(Args) ([]string, error) {
	return nil, nil
}
func (s stubTool) Execute(context.Context, Args) (string, error) {
	return "", nil
}

func TestDefaultCapabilities(t *testing.T) {
	caps, err := NewCapabilities(DefaultCapabilities())
	require.NoError(t, err)

	read := stubTool{name: "read_resource"}
	write := stubTool{name: "write_resource", mutating: true}

	tests := []struct {
		tier       TrustTier
		tool       stubTool
		allowed    bool
		overridden bool
	}{
		{TierObserver, read, true, false},
		{TierObserver, write, false, false},
		{TierAssistant, write, false, false},
		{TierAdvisor, read, true, false},
		{TierAdvisor, write, true, true},
		{TierDelegate, write, true, false},
		{TierAutonomous, write, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.tier.String()+"/"+tt.tool.name, func(t *testing.T) {
			d := caps.Check(tt.tier, tt.tool)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.overridden, d.Overridden)
		})
	}

	d := caps.Check(TrustTier(9), read)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "unknown trust tier")
}

func TestCapabilities_NamedTools(t *testing.T) {
	policies := DefaultCapabilities()
	policies[1] = TierPolicy{Tier: TierAssistant, Allowed: []string{AllowReadOnly, "append_resource"}, Enforcement: EnforceHard}
	caps, err := NewCapabilities(policies)
	require.NoError(t, err)

	assert.True(t, caps.Check(TierAssistant, stubTool{name: "APPEND_RESOURCE", mutating: true}).Allowed)
	assert.False(t, caps.Check(TierAssistant, stubTool{name: "delete_resource", mutating: true}).Allowed)
}

func TestNewCapabilities_Validation(t *testing.T) {
	_, err := NewCapabilities(DefaultCapabilities()[:4])
	assert.ErrorContains(t, err, "missing tier")

	dup := append(DefaultCapabilities(), TierPolicy{Tier: TierObserver, Enforcement: EnforceHard})
	_, err = NewCapabilities(dup)
	assert.ErrorContains(t, err, "duplicate")

	bad := DefaultCapabilities()
	bad[0].Enforcement = "maybe"
	_, err = NewCapabilities(bad)
	assert.ErrorContains(t, err, "enforcement")

	_, err = NewCapabilities([]TierPolicy{{Tier: 7, Enforcement: EnforceHard}})
	assert.ErrorContains(t, err, "invalid tier")
}

func TestTrustTierString(t *testing.T) {
	assert.Equal(t, "delegate", TierDelegate.String())
	assert.Equal(t, "tier(12)", TrustTier(12).String())
	assert.False(t, TrustTier(-1).Valid())
}
