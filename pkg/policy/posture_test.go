package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostureDefaults(t *testing.T) {
	set := DefaultPostureSet()
	assert.Equal(t, ModeFailClosed, set.Mode(DomainRules))
	assert.Equal(t, ModeFailClosed, set.Mode(DomainPolicy))
	assert.Equal(t, ModeFailOpen, set.Mode(DomainDetector))
	assert.Equal(t, ModeFailClosed, set.Mode("unknown"))

	var zero PostureSet
	assert.True(t, zero.FailClosed(DomainRules))
	assert.Equal(t, []Domain{DomainDetector, DomainPolicy, DomainRules}, Domains())
}

func TestPostureOverrides(t *testing.T) {
	set := DefaultPostureSet()
	require.NoError(t, set.ApplyOverrideStrings(map[string]string{"Rules": " FAIL-OPEN "}))
	assert.Equal(t, ModeFailOpen, set.Mode(DomainRules))

	clone := set.Clone()
	require.NoError(t, clone.ApplyOverride(DomainRules, ModeFailClosed))
	assert.Equal(t, ModeFailOpen, set.Mode(DomainRules))
	assert.Equal(t, ModeFailClosed, clone.Effective()[DomainRules])

	assert.Error(t, set.ApplyOverride("dlp", ModeFailOpen))
	assert.Error(t, set.ApplyOverride(DomainPolicy, "maybe"))
	assert.Error(t, set.ApplyOverrideStrings(map[string]string{"policy": ""}))
}

func TestParseAction(t *testing.T) {
	action, err := ParseAction("BLOCK")
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, action)
	assert.True(t, action.Terminal())
	assert.False(t, ActionLog.Terminal())

	action, err = ParseAction("")
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, action)

	_, err = ParseAction("redact")
	assert.Error(t, err)
}
