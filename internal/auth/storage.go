package auth

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"aifusion/pkg/tokens"
)

// TokenPrefix marks gateway-issued bearer tokens.
const TokenPrefix = tokens.TokenPrefix

var (
	// ErrInvalidToken is returned for unknown or revoked tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenNotFound is returned by lookups by token id.
	ErrTokenNotFound = errors.New("token not found")
)

// TokenStorage manages user access tokens in the database. A token binds
// a bearer secret to the email that owns chats and preferences.
type TokenStorage struct {
	db  *sql.DB
	now func() time.Time
}

// TokenInfo represents public token information (no sensitive data)
type TokenInfo struct {
	TokenID     string            `json:"token_id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	IsActive    bool              `json:"is_active"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the token is past its expiry at t.
func (i TokenInfo) Expired(t time.Time) bool {
	return i.ExpiresAt != nil && t.After(*i.ExpiresAt)
}

// CreateTokenRequest contains parameters for creating a new token
type CreateTokenRequest struct {
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreateTokenResponse contains the newly created token (including the raw token)
type CreateTokenResponse struct {
	Token     string    `json:"token"` // Raw token (only returned once)
	TokenInfo TokenInfo `json:"token_info"`
}

// NewTokenStorage creates a new token storage instance
func NewTokenStorage(db *sql.DB) *TokenStorage {
	return &TokenStorage{db: db, now: time.Now}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateToken generates and stores a new access token for an email.
func (ts *TokenStorage) CreateToken(req CreateTokenRequest) (*CreateTokenResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("email %q is not valid", req.Email)
	}

	rawToken, err := tokens.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tokenID := uuid.New().String()
	_, err = ts.db.Exec(`
		INSERT INTO auth_tokens
		(token_id, email, display_name, hashed_token, created_at, expires_at, is_active, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, tokenID, email, strings.TrimSpace(req.DisplayName), hashToken(rawToken), ts.now(), req.ExpiresAt, string(metadataJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	info, err := ts.GetTokenInfo(tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve created token: %w", err)
	}
	return &CreateTokenResponse{Token: rawToken, TokenInfo: *info}, nil
}

const tokenColumns = `token_id, email, display_name, created_at, expires_at, last_used_at, is_active, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*TokenInfo, error) {
	var info TokenInfo
	var metadataJSON string
	if err := row.Scan(&info.TokenID, &info.Email, &info.DisplayName, &info.CreatedAt,
		&info.ExpiresAt, &info.LastUsedAt, &info.IsActive, &metadataJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &info.Metadata); err != nil {
		info.Metadata = make(map[string]string)
	}
	return &info, nil
}

// ValidateToken checks a raw token and returns the identity it carries.
// last_used_at is refreshed on success.
func (ts *TokenStorage) ValidateToken(rawToken string) (*TokenInfo, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("token is required")
	}
	// malformed tokens never reach the database
	if !tokens.Valid(rawToken) {
		return nil, ErrInvalidToken
	}

	row := ts.db.QueryRow(`SELECT `+tokenColumns+` FROM auth_tokens WHERE hashed_token = ? AND is_active = 1`,
		hashToken(rawToken))
	info, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	now := ts.now()
	if info.Expired(now) {
		return nil, ErrTokenExpired
	}

	if _, err := ts.db.Exec(`UPDATE auth_tokens SET last_used_at = ? WHERE token_id = ?`, now, info.TokenID); err != nil {
		log.Printf("[Auth] Failed to update last_used_at for %s: %v", info.TokenID, err)
	}
	info.LastUsedAt = &now
	return info, nil
}

// GetTokenInfo retrieves public information about a token by ID
func (ts *TokenStorage) GetTokenInfo(tokenID string) (*TokenInfo, error) {
	row := ts.db.QueryRow(`SELECT `+tokenColumns+` FROM auth_tokens WHERE token_id = ?`, tokenID)
	info, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
		}
		return nil, fmt.Errorf("failed to get token info: %w", err)
	}
	return info, nil
}

// ListTokens returns tokens, optionally filtered by email, newest first.
func (ts *TokenStorage) ListTokens(email string, includeInactive bool) ([]TokenInfo, error) {
	query := `SELECT ` + tokenColumns + ` FROM auth_tokens WHERE 1=1`
	var args []any
	if email != "" {
		query += ` AND email = ?`
		args = append(args, strings.ToLower(strings.TrimSpace(email)))
	}
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := ts.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []TokenInfo
	for rows.Next() {
		info, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, *info)
	}
	return tokens, rows.Err()
}

// RevokeToken deactivates a token without deleting it
func (ts *TokenStorage) RevokeToken(tokenID string) error {
	result, err := ts.db.Exec(`UPDATE auth_tokens SET is_active = 0 WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return requireAffected(result, tokenID)
}

// DeleteToken permanently removes a token
func (ts *TokenStorage) DeleteToken(tokenID string) error {
	result, err := ts.db.Exec(`DELETE FROM auth_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return requireAffected(result, tokenID)
}

// CleanupExpiredTokens deactivates tokens whose expiry has passed.
func (ts *TokenStorage) CleanupExpiredTokens() (int64, error) {
	result, err := ts.db.Exec(`
		UPDATE auth_tokens SET is_active = 0
		WHERE expires_at IS NOT NULL AND expires_at < ? AND is_active = 1
	`, ts.now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	return result.RowsAffected()
}

func requireAffected(result sql.Result, tokenID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}
	return nil
}
