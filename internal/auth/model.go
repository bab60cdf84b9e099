package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
	"unicode/utf8"
)

// Column widths of the users and refresh_tokens tables.
const (
	MaxEmailLength     = 150
	maxIPAddressLength = 64
	maxUserAgentLength = 255
)

type User struct {
	ID           int64   `json:"id"`
	Username     string  `json:"username"`
	Email        string  `json:"email"`
	PasswordHash string  `json:"-"`
	Avatar       *string `json:"avatar"`
	Confirmed    bool    `json:"-"`
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// ClientMeta is optional request metadata recorded on refresh tokens.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// Bounded cuts the metadata to the widths the store accepts.
func (m ClientMeta) Bounded() ClientMeta {
	return ClientMeta{
		IPAddress: truncateRunes(m.IPAddress, maxIPAddressLength),
		UserAgent: truncateRunes(m.UserAgent, maxUserAgentLength),
	}
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

type RefreshToken struct {
	ID        int64
	UserID    int64
	TokenHash string
	CreatedAt time.Time
	ExpiredAt time.Time
	RevokedAt *time.Time
	IPAddress *string
	UserAgent *string
}

// IsActive reports whether the token can still be exchanged at now.
// Revocation and expiry are both terminal.
func (t RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiredAt.After(now)
}

// Purgeable reports whether cleanup may delete the token at now: it has
// expired, or it was revoked more than retention ago. PurgeExpiredOrRevoked
// applies the same condition in SQL.
func (t RefreshToken) Purgeable(now time.Time, retention time.Duration) bool {
	if t.ExpiredAt.Before(now) {
		return true
	}
	return t.RevokedAt != nil && t.RevokedAt.Before(now.Add(-retention))
}

func HashRefreshToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
