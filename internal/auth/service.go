package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"contacts-api/internal/notify"
	"contacts-api/internal/observability"
	"contacts-api/internal/token"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	refreshTokenBytes = 32
	tokenTypeBearer   = "bearer"
)

// Store is the persistence the auth engine needs. *Repository implements it.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	ConfirmEmail(ctx context.Context, email string) error
	UpdateAvatar(ctx context.Context, userID int64, url string) (User, error)

	CreateRefreshToken(ctx context.Context, userID int64, rawToken string, expiresAt time.Time, meta ClientMeta) (RefreshToken, error)
	GetActiveRefreshToken(ctx context.Context, rawToken string, now time.Time) (RefreshToken, error)
	GetRefreshTokenByHash(ctx context.Context, rawToken string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id int64, now time.Time) (bool, error)
	ConsumeRefreshToken(ctx context.Context, rawToken string, now time.Time) (RefreshToken, error)

	InTx(ctx context.Context, fn func(store Store) error) error
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

type TokenCodec interface {
	Issue(subject string) (string, error)
	Verify(tok string) (token.Claims, error)
}

type Denylist interface {
	Denylist(ctx context.Context, tok string, ttl time.Duration) error
	IsDenylisted(ctx context.Context, tok string) (bool, error)
}

type AvatarResolver interface {
	AvatarURL(ctx context.Context, email string) (string, error)
}

type ConfirmationPublisher interface {
	PublishConfirmation(ctx context.Context, event notify.ConfirmationRequested) error
}

type Deps struct {
	Store         Store
	Hasher        PasswordHasher
	AccessTokens  TokenCodec
	EmailTokens   TokenCodec
	Denylist      Denylist
	Avatars       AvatarResolver
	Confirmations ConfirmationPublisher
	Logger        *observability.Logger
}

type Service struct {
	store         Store
	hasher        PasswordHasher
	accessTokens  TokenCodec
	emailTokens   TokenCodec
	denylist      Denylist
	avatars       AvatarResolver
	confirmations ConfirmationPublisher
	logger        *observability.Logger

	refreshTTL time.Duration
	now        func() time.Time

	decoyOnce sync.Once
	decoyHash string
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		store:         deps.Store,
		hasher:        deps.Hasher,
		accessTokens:  deps.AccessTokens,
		emailTokens:   deps.EmailTokens,
		denylist:      deps.Denylist,
		avatars:       deps.Avatars,
		confirmations: deps.Confirmations,
		logger:        logger,
		refreshTTL:    defaultRefreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithRefreshTTL(refreshTTL time.Duration) {
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return User{}, ErrUsernameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return User{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return User{}, err
	}

	return s.store.CreateUser(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Avatar:       s.resolveAvatar(ctx, email),
		Confirmed:    false,
	})
}

func (s *Service) resolveAvatar(ctx context.Context, email string) *string {
	if s.avatars == nil {
		return nil
	}
	url, err := s.avatars.AvatarURL(ctx, email)
	if err != nil {
		s.logger.Warn("avatar_lookup_failed", map[string]any{"email": email, "error": err.Error()})
		return nil
	}
	return optionalString(url)
}

// Authenticate checks confirmation before the password, so an unconfirmed
// account is reported as such even when the password is wrong.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Verify(password, s.decoy())
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !user.Confirmed {
		return User{}, ErrUserNotConfirmed
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// decoy is a hash at the configured cost, compared against when the username
// is unknown so the lookup costs the same as for an existing account.
func (s *Service) decoy() string {
	s.decoyOnce.Do(func() {
		hash, err := s.hasher.Hash("decoy-password")
		if err != nil {
			s.logger.Warn("decoy_hash_failed", map[string]any{"error": err.Error()})
			return
		}
		s.decoyHash = hash
	})
	return s.decoyHash
}

func (s *Service) CreateAccessToken(username string) (string, error) {
	access, err := s.accessTokens.Issue(username)
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return access, nil
}

func (s *Service) CreateRefreshToken(ctx context.Context, userID int64, meta ClientMeta) (string, error) {
	return s.createRefreshToken(ctx, s.store, userID, meta)
}

func (s *Service) createRefreshToken(ctx context.Context, store Store, userID int64, meta ClientMeta) (string, error) {
	raw, err := randomToken(refreshTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := store.CreateRefreshToken(ctx, userID, raw, s.now().Add(s.refreshTTL), meta.Bounded()); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, rawToken string) (User, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return User{}, ErrInvalidRefreshToken
	}

	record, err := s.store.GetActiveRefreshToken(ctx, rawToken, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrInvalidRefreshToken
		}
		return User{}, err
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string, meta ClientMeta) (Tokens, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return Tokens{}, err
	}

	access, err := s.CreateAccessToken(user.Username)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.CreateRefreshToken(ctx, user.ID, meta)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{AccessToken: access, RefreshToken: refresh, TokenType: tokenTypeBearer}, nil
}

// Refresh rotates a refresh token. The old token is consumed by a conditional
// update and the new one inserted in the same transaction; a replayed or
// concurrently used token finds nothing to consume.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta ClientMeta) (Tokens, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	var tokens Tokens
	err := s.store.InTx(ctx, func(tx Store) error {
		record, err := tx.ConsumeRefreshToken(ctx, rawToken, s.now())
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidRefreshToken
			}
			return err
		}

		user, err := tx.GetUserByID(ctx, record.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUserNotFound
			}
			return err
		}

		access, err := s.CreateAccessToken(user.Username)
		if err != nil {
			return err
		}
		refresh, err := s.createRefreshToken(ctx, tx, user.ID, meta)
		if err != nil {
			return err
		}

		tokens = Tokens{AccessToken: access, RefreshToken: refresh, TokenType: tokenTypeBearer}
		return nil
	})
	if err != nil {
		return Tokens{}, err
	}
	return tokens, nil
}

// RevokeRefreshToken is idempotent: unknown and already revoked tokens are
// accepted without error.
func (s *Service) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil
	}

	record, err := s.store.GetRefreshTokenByHash(ctx, rawToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if record.RevokedAt != nil {
		return nil
	}

	_, err = s.store.RevokeRefreshToken(ctx, record.ID, s.now())
	return err
}

// RevokeAccessToken denylists a still-valid access token for the rest of its
// lifetime. Expired tokens need no entry.
func (s *Service) RevokeAccessToken(ctx context.Context, accessToken string) error {
	claims, err := s.accessTokens.Verify(accessToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrTokenNotValid, err)
	}

	return s.denylist.Denylist(ctx, accessToken, claims.ExpiresAt.Sub(s.now()))
}

func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := s.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return err
	}
	return s.RevokeAccessToken(ctx, accessToken)
}

func (s *Service) GetCurrentUser(ctx context.Context, accessToken string) (User, error) {
	denied, err := s.denylist.IsDenylisted(ctx, accessToken)
	if err != nil {
		return User{}, err
	}
	if denied {
		return User{}, ErrTokenNotValid
	}

	claims, err := s.accessTokens.Verify(accessToken)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrTokenNotValid, err)
	}

	user, err := s.store.GetUserByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
