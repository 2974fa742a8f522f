package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/gatekeep/internal/events"
)

const (
	homePath  = "/home"
	loginPath = "/login"
)

// page はテンプレートに渡す値です。テンプレートが参照するキーは常に揃えておきます。
type page struct {
	Title        string
	User         string
	CSRFToken    string
	Flashes      []string
	Form         RegisterForm
	Errors       map[string][]string
	ErrorMessage string
	Username     string
	Next         string
	Activity     []events.Event
}

// render は CSRF トークンとフラッシュメッセージを詰めてテンプレートを描画します。
// Cookie を書き出すため、セッションの保存は本文より先に行います。
func render(c *gin.Context, status int, name string, p page) {
	sess := sessions.Default(c)

	token, err := csrfToken(sess)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate csrf token")
		c.String(http.StatusInternalServerError, "internal server error")
		return
	}
	p.CSRFToken = token

	for _, f := range sess.Flashes() {
		if s, ok := f.(string); ok {
			p.Flashes = append(p.Flashes, s)
		}
	}
	if user := CurrentUser(c); user != nil {
		p.User = user.Username
	}
	if p.Errors == nil {
		p.Errors = map[string][]string{}
	}

	if err := sess.Save(); err != nil {
		log.Error().Err(err).Msg("failed to save session")
		c.String(http.StatusInternalServerError, "internal server error")
		return
	}

	c.Header(csrfHeader, token)
	c.Header("Cache-Control", "no-store")
	c.HTML(status, name, p)
}

// renderError は予期しないエラーを記録して 500 ページを返します。
func renderError(c *gin.Context, err error, msg string) {
	_ = c.Error(err)
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	render(c, http.StatusInternalServerError, "error.html", page{
		Title:        "Error",
		ErrorMessage: "The server could not complete the request. Please try again.",
	})
}

// redirectToLogin は戻り先を next に載せてログイン画面へリダイレクトします。
func redirectToLogin(c *gin.Context, rememberPath bool) {
	target := loginPath
	if rememberPath {
		target += "?next=" + escapeNext(c.Request.URL.RequestURI())
	}
	c.Redirect(http.StatusFound, target)
}

// escapeNext はクエリ値としてエスケープしつつ "/" はそのまま残します。
func escapeNext(path string) string {
	return strings.ReplaceAll(url.QueryEscape(path), "%2F", "/")
}

// safeNext は next がサイト内の絶対パスならそれを、そうでなければホームを返します。
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") ||
		strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return homePath
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return homePath
	}
	return next
}
