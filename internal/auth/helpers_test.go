package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/gatekeep/internal/database"
	"github.com/yourusername/gatekeep/internal/events"
	"github.com/yourusername/gatekeep/internal/session"
	"github.com/yourusername/gatekeep/internal/users"
	"github.com/yourusername/gatekeep/internal/web"
)

// spyRegistry は実際のレジストリに委譲しつつ、発行・破棄されたトークンを記録します。
type spyRegistry struct {
	*session.Registry

	mu      sync.Mutex
	rotated []rotation
	revoked []string
}

type rotation struct {
	previous string
	issued   string
}

func (s *spyRegistry) Rotate(ctx context.Context, previous, username string) (*session.Record, error) {
	record, err := s.Registry.Rotate(ctx, previous, username)
	if err == nil {
		s.mu.Lock()
		s.rotated = append(s.rotated, rotation{previous: previous, issued: record.Token})
		s.mu.Unlock()
	}
	return record, err
}

func (s *spyRegistry) Revoke(ctx context.Context, token string) error {
	s.mu.Lock()
	s.revoked = append(s.revoked, token)
	s.mu.Unlock()
	return s.Registry.Revoke(ctx, token)
}

func (s *spyRegistry) revokedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *spyRegistry) rotations() []rotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rotation(nil), s.rotated...)
}

// recordingPublisher は発行されたイベントを保持します。
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type testEnv struct {
	server    *httptest.Server
	client    *http.Client
	users     *users.Store
	registry  *spyRegistry
	redis     *miniredis.Miniredis
	publisher *recordingPublisher
}

// envConfig はテスト環境ごとの差分です。
type envConfig struct {
	maxAttempts int
	activity    events.Reader
	// routes はテスト専用のルートを追加します。
	routes func(m *Manager, r *gin.Engine)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, envConfig{})
}

func newTestEnvWith(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(ctx, db))
	userStore := users.NewStore(db).WithCost(bcrypt.MinCost)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	registry := &spyRegistry{Registry: session.NewRegistry(rdb, 30*time.Minute, 12*time.Hour)}

	tmpl, err := web.Templates()
	require.NoError(t, err)

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	router.SetHTMLTemplate(tmpl)
	store := cookie.NewStore([]byte("test-secret-test-secret-test-sec"))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	router.Use(sessions.Sessions(SessionCookieName, store))

	publisher := &recordingPublisher{}
	manager := NewManager(userStore, registry, Options{
		Events:      publisher,
		Activity:    cfg.activity,
		MaxAttempts: cfg.maxAttempts,
	})
	manager.RegisterRoutes(router)
	if cfg.routes != nil {
		cfg.routes(manager, router)
	}

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{
		server:    server,
		client:    client,
		users:     userStore,
		registry:  registry,
		redis:     mr,
		publisher: publisher,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	return e.do(t, req)
}

func (e *testEnv) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

// csrf は path を GET して払い出された CSRF トークンを返します。
func (e *testEnv) csrf(t *testing.T, path string) string {
	t.Helper()
	resp, _ := e.get(t, path)
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", path)
	token := resp.Header.Get(csrfHeader)
	require.NotEmpty(t, token)
	return token
}

// postWithCSRF は csrfPath から取得したトークンを付けて POST します。
func (e *testEnv) postWithCSRF(t *testing.T, csrfPath, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set(csrfFormField, e.csrf(t, csrfPath))
	return e.post(t, path, form)
}

func (e *testEnv) createUser(t *testing.T, username, password string) {
	t.Helper()
	_, err := e.users.Create(context.Background(), username, password)
	require.NoError(t, err)
}

// login はログインフォームを送信し、そのレスポンスを返します。
func (e *testEnv) login(t *testing.T, username, password string) *http.Response {
	t.Helper()
	resp, _ := e.postWithCSRF(t, "/login", "/login", url.Values{
		"username": {username},
		"password": {password},
	})
	return resp
}

func (e *testEnv) sessionKeys() []string {
	var out []string
	for _, k := range e.redis.Keys() {
		if strings.HasPrefix(k, "session:") {
			out = append(out, k)
		}
	}
	return out
}
