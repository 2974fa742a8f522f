package auth

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/gatekeep/internal/events"
	"github.com/yourusername/gatekeep/internal/users"
)

const activityLimit = 5

// ShowHome は GET /home のハンドラーです。RequireLogin の後ろに置きます。
func (m *Manager) ShowHome(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		_ = c.Error(ErrUnauthenticated)
		redirectToLogin(c, true)
		return
	}

	p := page{Title: "Home"}
	if m.activity != nil {
		recent, err := m.activity.Recent(c.Request.Context(), user.Username, activityLimit)
		if err != nil {
			log.Warn().Err(err).Str("username", user.Username).Msg("failed to load recent activity")
		}
		p.Activity = recent
	}
	render(c, http.StatusOK, "home.html", p)
}

// ShowRegisterForm は GET /register のハンドラーです。
func (m *Manager) ShowRegisterForm(c *gin.Context) {
	render(c, http.StatusOK, "register.html", page{Title: "Register"})
}

// SubmitRegistration は POST /register のハンドラーです。
// 検証エラーは 200 でフォームを再表示し、成功時はログイン画面へリダイレクトします。
func (m *Manager) SubmitRegistration(c *gin.Context) {
	form, verr := bindRegisterForm(c)
	ctx := c.Request.Context()

	if !verr.Has("username") {
		exists, err := m.users.Exists(ctx, form.Username)
		if err != nil {
			renderError(c, err, "failed to check username")
			return
		}
		if exists {
			verr.Add("username", msgUserExists)
		}
	}

	if verr.Empty() {
		_, err := m.users.Create(ctx, form.Username, form.Password)
		switch {
		case errors.Is(err, users.ErrAlreadyExists):
			// Exists の確認後に同名ユーザーが作られた場合
			verr.Add("username", msgUserExists)
		case err != nil:
			renderError(c, err, "failed to create user")
			return
		default:
			m.publish(c, events.KindRegistered, form.Username)
			log.Info().Str("username", form.Username).Msg("user registered")

			sess := sessions.Default(c)
			sess.AddFlash(fmt.Sprintf("Welcome %s", form.Username))
			if err := sess.Save(); err != nil {
				renderError(c, err, "failed to save session")
				return
			}
			c.Redirect(http.StatusFound, loginPath)
			return
		}
	}

	form.Password = ""
	form.PasswordConfirmation = ""
	render(c, http.StatusOK, "register.html", page{
		Title:  "Register",
		Form:   form,
		Errors: verr.Fields,
	})
}

// ShowLoginForm は GET /login のハンドラーです。
func (m *Manager) ShowLoginForm(c *gin.Context) {
	render(c, http.StatusOK, "login.html", page{
		Title: "Log in",
		Next:  c.Query("next"),
	})
}

// SubmitLogin は POST /login のハンドラーです。
// 成功時はセッショントークンを差し替えてホーム（または安全な next）へリダイレクトします。
func (m *Manager) SubmitLogin(c *gin.Context) {
	var form LoginForm
	if err := c.ShouldBindWith(&form, binding.Form); err != nil {
		form = LoginForm{}
	}

	ip := c.ClientIP()
	if retryAfter := m.throttle.retryAfter(ip); retryAfter > 0 {
		minutes := int(math.Ceil(retryAfter.Minutes()))
		m.publish(c, events.KindLoginLocked, form.Username)
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10))
		render(c, http.StatusTooManyRequests, "login.html", page{
			Title:        "Log in",
			Username:     form.Username,
			Next:         form.Next,
			ErrorMessage: fmt.Sprintf("Too many failed login attempts. Try again in %d minute(s).", minutes),
		})
		return
	}

	identity, err := m.users.Authenticate(c.Request.Context(), form.Username, form.Password)
	if err != nil {
		var authErr *AuthenticationError
		switch {
		case errors.Is(err, users.ErrNotFound):
			authErr = ErrUserNotFound
		case errors.Is(err, users.ErrInvalidPassword):
			authErr = ErrIncorrectPassword
		default:
			renderError(c, err, "failed to authenticate user")
			return
		}

		remaining := m.throttle.recordFailure(ip)
		m.publish(c, events.KindLoginFailed, form.Username)
		log.Info().Str("username", form.Username).Str("ip", ip).Int("remaining", remaining).
			Msg("failed login attempt")

		render(c, http.StatusOK, "login.html", page{
			Title:        "Log in",
			Username:     form.Username,
			Next:         form.Next,
			ErrorMessage: authErr.Message,
		})
		return
	}

	m.throttle.reset(ip)

	if err := m.login(c, identity.Username); err != nil {
		renderError(c, err, "failed to establish session")
		return
	}
	m.publish(c, events.KindLoginSucceeded, identity.Username)

	c.Redirect(http.StatusFound, safeNext(form.Next))
}

// Logout は GET/POST /logout のハンドラーです。RequireLogin の後ろに置きます。
func (m *Manager) Logout(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		redirectToLogin(c, false)
		return
	}

	if err := m.logout(c); err != nil {
		renderError(c, err, "failed to end session")
		return
	}
	m.publish(c, events.KindLoggedOut, user.Username)

	render(c, http.StatusOK, "logout.html", page{Title: "Logged out"})
}
