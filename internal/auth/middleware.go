package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// LoadUser は Cookie のセッショントークンを検証し、ログイン中ユーザーをコンテキストに載せます。
// セッションが無い・失効している場合は未ログインとして次へ進みます。
func (m *Manager) LoadUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := m.resolve(c)
		if err != nil {
			_ = c.Error(err)
			log.Error().Err(err).Msg("failed to resolve session")
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		if principal != nil {
			c.Set(ContextUserKey, principal)
		}
		c.Next()
	}
}

// RequireLogin は未ログインならログイン画面へリダイレクトするガードを返します。
// rememberPath が true の場合は元のパスを next パラメーターに付けます。
func (m *Manager) RequireLogin(rememberPath bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			_ = c.Error(ErrUnauthenticated)
			redirectToLogin(c, rememberPath)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RedirectIfAuthenticated はログイン済みならホームへリダイレクトするガードを返します。
func (m *Manager) RedirectIfAuthenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) != nil {
			c.Redirect(http.StatusFound, homePath)
			c.Abort()
			return
		}
		c.Next()
	}
}

// VerifyCSRF は安全でないメソッドに対して CSRF トークンを検証するミドルウェアです。
// トークンはフォームの csrf_token か X-CSRF-Token ヘッダーで受け取ります。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		sess := sessions.Default(c)
		expected, ok := sess.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			forbid(c, "CSRF cookie not set.")
			return
		}

		received := c.GetHeader(csrfHeader)
		if received == "" {
			received = c.PostForm(csrfFormField)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			forbid(c, "CSRF token missing or incorrect.")
			return
		}

		c.Next()
	}
}

func forbid(c *gin.Context, reason string) {
	_ = c.Error(ErrForbidden)
	log.Warn().Str("path", c.Request.URL.Path).Str("ip", c.ClientIP()).Str("reason", reason).
		Msg("csrf verification failed")
	render(c, http.StatusForbidden, "forbidden.html", page{
		Title:        "Forbidden",
		ErrorMessage: "CSRF verification failed. Request aborted. " + reason,
	})
	c.Abort()
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
