// Package session はログイン済みセッションのサーバー側レジストリを提供します。
//
// Cookie にはレジストリのトークンだけを載せ、トークンとユーザーの対応は Redis に保存します。
// ログイン時は必ず新しいトークンを発行し、ログイン前のトークンは破棄します。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	tokenBytes       = 32
)

// ErrNotFound はトークンが存在しないか失効していることを表します。
var ErrNotFound = errors.New("session: not found")

// Record はトークンに紐付くセッション情報です。
type Record struct {
	Token    string    `json:"-"`
	Username string    `json:"username"`
	IssuedAt time.Time `json:"issuedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// Registry はセッショントークンを Redis に保存します。
// キーの TTL は無操作タイムアウトで、Lookup のたびに延長されます。
type Registry struct {
	rdb      *redis.Client
	idle     time.Duration
	lifetime time.Duration
	now      func() time.Time
}

// NewRegistry は Registry を作成します。
func NewRegistry(rdb *redis.Client, idle, lifetime time.Duration) *Registry {
	return &Registry{
		rdb:      rdb,
		idle:     idle,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// Issue は username に紐付いた新しいトークンを発行します。
func (r *Registry) Issue(ctx context.Context, username string) (*Record, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	token, err := NewToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := r.now().UTC()
	record := &Record{
		Token:    token,
		Username: username,
		IssuedAt: now,
		LastSeen: now,
	}
	if err := r.save(ctx, record, false); err != nil {
		return nil, err
	}
	return record, nil
}

// Rotate は previous を破棄してから username に新しいトークンを発行します。
// previous が空または既に失効していても新しいトークンは発行されます。
func (r *Registry) Rotate(ctx context.Context, previous, username string) (*Record, error) {
	if previous != "" {
		if err := r.Revoke(ctx, previous); err != nil {
			return nil, err
		}
	}
	return r.Issue(ctx, username)
}

// Lookup はトークンに対応するセッションを取得し、最終アクセス時刻を更新します。
// 絶対有効期限を過ぎたセッションは削除して ErrNotFound を返します。
func (r *Registry) Lookup(ctx context.Context, token string) (*Record, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	data, err := r.rdb.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	record.Token = token

	now := r.now().UTC()
	if r.lifetime > 0 && now.Sub(record.IssuedAt) > r.lifetime {
		if err := r.Revoke(ctx, token); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	record.LastSeen = now
	if err := r.save(ctx, &record, true); err != nil {
		return nil, err
	}
	return &record, nil
}

// Revoke はトークンを削除します。存在しないトークンはエラーにしません。
func (r *Registry) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := r.rdb.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// save は record を保存します。existing が true の場合はキーが残っているときだけ上書きします
// （並行する Revoke で消えたセッションを復活させないため）。
func (r *Registry) save(ctx context.Context, record *Record, existing bool) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	ttl := r.idle
	if r.lifetime > 0 {
		if remaining := r.lifetime - r.now().UTC().Sub(record.IssuedAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	key := sessionKey(record.Token)
	if existing {
		err = r.rdb.SetXX(ctx, key, payload, ttl).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
	} else {
		err = r.rdb.Set(ctx, key, payload, ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// NewToken は推測不能なランダムトークンを生成します。
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}
