package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	out, err := Parse("build {{.Technology}} for {{.Requirements}}", map[string]any{
		"Technology":   "go",
		"Requirements": "a todo api",
	})
	require.NoError(t, err)
	assert.Equal(t, "build go for a todo api", out)

	// cached path
	out, err = Parse("build {{.Technology}} for {{.Requirements}}", map[string]any{"Technology": "java"})
	require.NoError(t, err)
	assert.Equal(t, "build java for <no value>", out)
}

func TestParseInvalidTemplate(t *testing.T) {
	_, err := Parse("{{.Broken", nil)
	assert.Error(t, err)
}
