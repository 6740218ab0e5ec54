package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNegotiator() *VersionNegotiator {
	return NewVersionNegotiator("v2", []VersionInfo{
		{Version: "v1", Status: VersionDeprecated, DeprecatedAt: "2025-06-01", SunsetAt: "2026-06-01"},
		{Version: "v2", Status: VersionCurrent},
	}, testLogger())
}

func TestParse_AcceptsBothForms(t *testing.T) {
	n := newTestNegotiator()
	assert.Equal(t, "v1", n.Parse("v1"))
	assert.Equal(t, "v1", n.Parse("1"))
	assert.Equal(t, "v2", n.Parse("v2"))
	assert.Equal(t, "v2", n.Parse("2"))
}

func TestParse_FallbackOnMissingOrUnknown(t *testing.T) {
	n := newTestNegotiator()
	assert.Equal(t, "v2", n.Parse(""))
	assert.Equal(t, "v2", n.Parse("v9"))
	assert.Equal(t, "v2", n.Parse("garbage"))
}

func TestAnnotate_DeprecatedVersion(t *testing.T) {
	n := newTestNegotiator()
	result := map[string]interface{}{"tools": []string{"a"}}

	annotated, ok := n.Annotate(result, "v1").(map[string]interface{})
	require.True(t, ok)

	block, ok := annotated["_apiVersion"].(map[string]interface{})
	require.True(t, ok, "deprecated version gains an _apiVersion block")
	assert.Equal(t, "v1", block["version"])
	assert.Equal(t, VersionDeprecated, block["status"])
	assert.Equal(t, "2025-06-01", block["deprecated"])
	assert.Equal(t, "v2", block["recommended"])

	// Original result untouched.
	_, present := result["_apiVersion"]
	assert.False(t, present)
}

func TestAnnotate_CurrentVersionUntouched(t *testing.T) {
	n := newTestNegotiator()
	result := map[string]interface{}{"tools": []string{"a"}}
	out := n.Annotate(result, "v2")
	assert.Equal(t, result, out)
}

func TestAnnotate_NonObjectPassthrough(t *testing.T) {
	n := newTestNegotiator()
	assert.Equal(t, []int{1, 2}, n.Annotate([]int{1, 2}, "v1"))
}
