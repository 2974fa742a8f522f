// Package users はユーザー（認証情報）の永続化と照合を提供します。
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound は指定されたユーザー名が存在しないことを表します。
	ErrNotFound = errors.New("users: not found")
	// ErrAlreadyExists はユーザー名が既に登録済みであることを表します。
	ErrAlreadyExists = errors.New("users: already exists")
	// ErrInvalidPassword はパスワードが一致しないことを表します。
	ErrInvalidPassword = errors.New("users: invalid password")
)

// Identity は登録済みユーザーの認証情報です。
// ユーザー名は大文字小文字を区別します。
type Identity struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store はユーザーの作成・検索・照合を行います。
type Store struct {
	db   *sql.DB
	cost int
}

// NewStore は Store を作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, cost: bcrypt.DefaultCost}
}

// WithCost は bcrypt のコストを変更した Store を返します（テスト高速化用）。
func (s *Store) WithCost(cost int) *Store {
	return &Store{db: s.db, cost: cost}
}

// Exists はユーザー名が登録済みかどうかを返します。
func (s *Store) Exists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE username = ?", username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user %q: %w", username, err)
	}
	return true, nil
}

// GetByUsername はユーザー名でユーザーを取得します（パスワードハッシュを含む）。
func (s *Store) GetByUsername(ctx context.Context, username string) (Identity, error) {
	var user Identity
	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username)
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("query user %q: %w", username, err)
	}
	return user, nil
}

// Create はパスワードをハッシュ化してユーザーを作成します。
// 同名ユーザーの同時作成は UNIQUE 制約で弾かれ、ErrAlreadyExists になります。
func (s *Store) Create(ctx context.Context, username, password string) (Identity, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := Identity{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hashed),
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users(id, username, password_hash, created_at) VALUES(?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Identity{}, ErrAlreadyExists
		}
		return Identity{}, fmt.Errorf("insert user %q: %w", username, err)
	}

	user.PasswordHash = ""
	return user, nil
}

// Authenticate はユーザー名とパスワードを照合します。
// ユーザーが存在しない場合は ErrNotFound、パスワード不一致は ErrInvalidPassword を返します。
func (s *Store) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	user, err := s.GetByUsername(ctx, username)
	if err != nil {
		return Identity{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Identity{}, ErrInvalidPassword
		}
		return Identity{}, fmt.Errorf("compare password: %w", err)
	}

	user.PasswordHash = ""
	return user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// 拡張コード（SQLITE_CONSTRAINT_UNIQUE など）でも下位8bitは SQLITE_CONSTRAINT
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
