package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes は認証まわりのルートを登録します。
// router には sessions.Sessions ミドルウェアと HTML テンプレートが設定済みである必要があります。
func (m *Manager) RegisterRoutes(router gin.IRouter) {
	router.Use(m.LoadUser(), m.VerifyCSRF())

	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, homePath)
	})
	router.GET(homePath, m.RequireLogin(true), m.ShowHome)

	guest := router.Group("")
	guest.Use(m.RedirectIfAuthenticated())
	{
		guest.GET("/register", m.ShowRegisterForm)
		guest.POST("/register", m.SubmitRegistration)
		guest.GET(loginPath, m.ShowLoginForm)
		guest.POST(loginPath, m.SubmitLogin)
	}

	// フォームからの POST は VerifyCSRF を通る。GET はリンクからのログアウト用
	router.GET("/logout", m.RequireLogin(false), m.Logout)
	router.POST("/logout", m.RequireLogin(false), m.Logout)
}
