// Package auth は登録・ログイン・ログアウトのハンドラーと認証・CSRF のガードを提供します。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/gatekeep/internal/events"
	"github.com/yourusername/gatekeep/internal/session"
	"github.com/yourusername/gatekeep/internal/users"
)

const (
	SessionCookieName = "gk_session"
	sessionKeyToken   = "session_token"
	sessionKeyCSRF    = "csrf_token"

	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"
)

// ContextUserKey は、ハンドラー間でログイン中のユーザーを共有するためのキーです。
const ContextUserKey = "auth.user"

// Principal はリクエストに紐付いたログイン済みユーザーです。
type Principal struct {
	Username string
	Token    string
}

// UserStore は Manager が利用するユーザーストアです。
type UserStore interface {
	Exists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, username, password string) (users.Identity, error)
	Authenticate(ctx context.Context, username, password string) (users.Identity, error)
}

// SessionRegistry は Manager が利用するセッションレジストリです。
type SessionRegistry interface {
	Rotate(ctx context.Context, previous, username string) (*session.Record, error)
	Lookup(ctx context.Context, token string) (*session.Record, error)
	Revoke(ctx context.Context, token string) error
}

// Options は Manager の任意設定です。
type Options struct {
	Events      events.Publisher
	Activity    events.Reader
	MaxAttempts int
	Window      time.Duration
	Lock        time.Duration
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	users    UserStore
	sessions SessionRegistry
	events   events.Publisher
	activity events.Reader
	throttle *throttle
}

// NewManager は認証マネージャーを作成します。
func NewManager(userStore UserStore, registry SessionRegistry, opts Options) *Manager {
	setupValidators()

	publisher := opts.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.Lock <= 0 {
		opts.Lock = 10 * time.Minute
	}
	return &Manager{
		users:    userStore,
		sessions: registry,
		events:   publisher,
		activity: opts.Activity,
		throttle: newThrottle(opts.MaxAttempts, opts.Window, opts.Lock),
	}
}

// CurrentUser はリクエストのログイン中ユーザーを返します。未ログインなら nil です。
func CurrentUser(c *gin.Context) *Principal {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// login はセッショントークンを必ず新しいものに差し替えてから username を紐付けます。
// ログイン前のトークンと CSRF トークンはどちらも再利用しません。
func (m *Manager) login(c *gin.Context, username string) error {
	sess := sessions.Default(c)
	previous, _ := sess.Get(sessionKeyToken).(string)

	record, err := m.sessions.Rotate(c.Request.Context(), previous, username)
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}

	csrf, err := generateToken()
	if err != nil {
		return fmt.Errorf("generate csrf token: %w", err)
	}

	sess.Set(sessionKeyToken, record.Token)
	sess.Set(sessionKeyCSRF, csrf)
	if err := sess.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	c.Set(ContextUserKey, &Principal{Username: username, Token: record.Token})
	return nil
}

// logout はレジストリのトークンを破棄し、Cookie セッションを空にします。
func (m *Manager) logout(c *gin.Context) error {
	sess := sessions.Default(c)
	if token, _ := sess.Get(sessionKeyToken).(string); token != "" {
		if err := m.sessions.Revoke(c.Request.Context(), token); err != nil {
			return err
		}
	}
	sess.Clear()
	if err := sess.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.Set(ContextUserKey, (*Principal)(nil))
	return nil
}

// resolve は Cookie のトークンをレジストリで引き、ログイン中ユーザーを返します。
// 失効したトークンは Cookie から取り除きます。
func (m *Manager) resolve(c *gin.Context) (*Principal, error) {
	sess := sessions.Default(c)
	token, _ := sess.Get(sessionKeyToken).(string)
	if token == "" {
		return nil, nil
	}

	record, err := m.sessions.Lookup(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			sess.Delete(sessionKeyToken)
			return nil, sess.Save()
		}
		return nil, err
	}
	return &Principal{Username: record.Username, Token: record.Token}, nil
}

// csrfToken はセッションの CSRF トークンを返し、無ければ発行します。
// 呼び出し側でセッションを保存してください。
func csrfToken(sess sessions.Session) (string, error) {
	if token, ok := sess.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	sess.Set(sessionKeyCSRF, token)
	return token, nil
}

func (m *Manager) publish(c *gin.Context, kind events.Kind, username string) {
	m.events.Publish(c.Request.Context(), events.Event{
		Kind:      kind,
		Username:  username,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
