package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"":                      homePath,
		"/home":                 "/home",
		"/home?tab=activity":    "/home?tab=activity",
		"home":                  homePath,
		"//evil.example/":       homePath,
		"/\\evil.example":       homePath,
		"https://evil.example/": homePath,
		"javascript:alert(1)":   homePath,
	}
	for next, want := range cases {
		assert.Equal(t, want, safeNext(next), "next=%q", next)
	}
}

func TestEscapeNext(t *testing.T) {
	assert.Equal(t, "/home", escapeNext("/home"))
	assert.Equal(t, "/home%3Ftab%3Dactivity", escapeNext("/home?tab=activity"))
}
