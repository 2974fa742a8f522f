// Package events は認証イベント（登録・ログイン・ログアウト）の監査記録を提供します。
package events

import (
	"context"
	"time"
)

// Kind は認証イベントの種類です。
type Kind string

const (
	KindRegistered     Kind = "registered"
	KindLoginSucceeded Kind = "login_succeeded"
	KindLoginFailed    Kind = "login_failed"
	KindLoginLocked    Kind = "login_locked"
	KindLoggedOut      Kind = "logged_out"
)

// Event は1件の認証イベントです。
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Username   string    `json:"username"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher は認証イベントを記録します。
// 記録はベストエフォートで、失敗しても呼び出し元のリクエストには影響させません。
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Reader はユーザーごとの最近のイベントを返します。
type Reader interface {
	Recent(ctx context.Context, username string, limit int) ([]Event, error)
}

// Nop は何もしない Publisher です。
type Nop struct{}

// Publish は何もしません。
func (Nop) Publish(context.Context, Event) {}
