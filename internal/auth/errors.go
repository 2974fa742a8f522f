package auth

import (
	"errors"
	"strings"
)

var (
	// ErrUnauthenticated はログインが必要な操作を未ログインで行ったことを表します。
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden は CSRF トークンが欠落または不一致であることを表します。
	ErrForbidden = errors.New("csrf verification failed")

	// ErrUserNotFound はログイン時にユーザー名が存在しないことを表します。
	ErrUserNotFound = &AuthenticationError{Message: "User does not exist."}
	// ErrIncorrectPassword はログイン時にパスワードが一致しないことを表します。
	ErrIncorrectPassword = &AuthenticationError{Message: "Incorrect password."}
)

// AuthenticationError はログイン失敗をフォームに表示するためのエラーです。
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

// ValidationError はフォームのフィールドごとのエラーメッセージを保持します。
// フィールドに属さないエラーは NonFieldErrors キーに入ります。
type ValidationError struct {
	Fields map[string][]string
}

// NonFieldErrors はフォーム全体に対するエラーのキーです。
const NonFieldErrors = "__all__"

// Add は field にメッセージを追加します。
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// Has は field にエラーがあるかを返します。
func (e *ValidationError) Has(field string) bool {
	return len(e.Fields[field]) > 0
}

// Empty はエラーが1件もないかを返します。
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, messages := range e.Fields {
		parts = append(parts, field+": "+strings.Join(messages, " "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
