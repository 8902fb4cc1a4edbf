package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDPrefixAndOrdering(t *testing.T) {
	a := NewID("evt")
	assert.True(t, strings.HasPrefix(a, "evt_"))
	assert.Len(t, a, len("evt_")+26)
	assert.Len(t, NewID(""), 26)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "hello", Snippet("  hello ", 10))
	assert.Equal(t, "hel…", Snippet("hello", 3))
	assert.Equal(t, "hello", Snippet("hello", 0))
}
