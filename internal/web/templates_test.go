package web

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPage struct {
	Title        string
	User         string
	CSRFToken    string
	Flashes      []string
	Form         struct{ Username string }
	Errors       map[string][]string
	ErrorMessage string
	Username     string
	Next         string
	Activity     []struct{}
}

func TestTemplatesRenderEveryPage(t *testing.T) {
	tmpl, err := Templates()
	require.NoError(t, err)

	for _, name := range []string{
		"register.html", "login.html", "home.html", "logout.html", "forbidden.html", "error.html",
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			err := tmpl.ExecuteTemplate(&buf, name, testPage{
				Title:     "Page",
				CSRFToken: "token123",
				Errors:    map[string][]string{},
			})
			require.NoError(t, err)
			assert.Contains(t, buf.String(), "<title>Page | gatekeep</title>")
		})
	}
}

func TestTemplatesEscapeUserInput(t *testing.T) {
	tmpl, err := Templates()
	require.NoError(t, err)

	var buf bytes.Buffer
	err = tmpl.ExecuteTemplate(&buf, "login.html", testPage{
		Username: `"><script>alert(1)</script>`,
		Errors:   map[string][]string{},
	})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "<script>")
}

func TestRegisterTemplateShowsFieldErrors(t *testing.T) {
	tmpl, err := Templates()
	require.NoError(t, err)

	var buf bytes.Buffer
	err = tmpl.ExecuteTemplate(&buf, "register.html", testPage{
		Errors: map[string][]string{"username": {"A user with that username already exists."}},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "A user with that username already exists.")
}
