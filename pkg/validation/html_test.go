package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidSafeHTML(t *testing.T) {
	v := newTestValidator(t, Config{})

	assert.True(t, v.IsValidSafeHTML("bio", "plain text"))
	assert.True(t, v.IsValidSafeHTML("bio", "<b>bold</b> and <i>italic</i>"))
	assert.True(t, v.IsValidSafeHTML("bio", "Tom & Jerry"))
	assert.False(t, v.IsValidSafeHTML("bio", "<script>alert(1)</script>"))
	assert.False(t, v.IsValidSafeHTML("bio", `<img src=x onerror="alert(1)">`))
	assert.False(t, v.IsValidSafeHTML("bio", "%3Cscript%3Ealert(1)%3C/script%3E"))
	assert.False(t, v.IsValidSafeHTML("bio", "%253Cb%253E"))

	got, err := v.GetValidSafeHTML("bio", "&lt;b&gt;hi&lt;/b&gt;")
	require.NoError(t, err)
	assert.Equal(t, "<b>hi</b>", got)
}

func TestStrictHTMLPolicy(t *testing.T) {
	v := newTestValidator(t, Config{HTMLPolicy: HTMLPolicyStrict})

	assert.True(t, v.IsValidSafeHTML("bio", "just words"))
	assert.False(t, v.IsValidSafeHTML("bio", "<b>bold</b>"))
	assert.Equal(t, "bold", v.SanitizeHTML("<b>bold</b>"))
}
