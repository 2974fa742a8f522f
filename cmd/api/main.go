// Package main は Web サーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/gatekeep/internal/auth"
	"github.com/yourusername/gatekeep/internal/config"
	"github.com/yourusername/gatekeep/internal/database"
	"github.com/yourusername/gatekeep/internal/logger"
	"github.com/yourusername/gatekeep/internal/session"
	"github.com/yourusername/gatekeep/internal/users"
	"github.com/yourusername/gatekeep/internal/web"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.LogLevel, cfg.GinMode != gin.ReleaseMode)
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	opt, err := redis.ParseURL(cfg.SessionRedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse session redis url")
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to session redis")
	}

	sink, err := setupEvents(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up auth events")
	}
	defer sink.shutdown()

	tmpl, err := web.Templates()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse templates")
	}

	// Recovery とアクセスログのみ。gin.Default の Logger は zerolog に置き換える
	router := gin.New()
	router.Use(gin.Recovery(), logger.Middleware())
	// ログイン試行制限は ClientIP 単位なので、信頼するプロキシ以外の X-Forwarded-For は使わない
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Fatal().Err(err).Msg("invalid TRUSTED_PROXIES")
	}
	router.SetHTMLTemplate(tmpl)

	// セッションストアの設定（Cookie には署名付きでトークンだけを載せる）
	store := cookie.NewStore(sessionSecret(cfg))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)

	registry := session.NewRegistry(rdb, cfg.SessionIdle, cfg.SessionLifetime)
	authManager := auth.NewManager(users.NewStore(db), registry, auth.Options{
		Events:      sink.publisher,
		Activity:    sink.reader,
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
		Lock:        cfg.LoginLock,
	})
	authManager.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting web server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gatekeep",
		"version": "0.1.0",
	})
}

// sessionSecret は Cookie 署名鍵を返します。
// 開発時に未設定なら起動ごとのランダム鍵を使うため、再起動でセッションは失われます。
func sessionSecret(cfg *config.Config) []byte {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal().Err(err).Msg("failed to generate session secret")
	}
	log.Warn().Msg("SESSION_SECRET is not set; using a random key for this process")
	return key
}
