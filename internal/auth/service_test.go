package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"contacts-api/internal/notify"
	"contacts-api/internal/password"
	"contacts-api/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubAvatars struct {
	url string
	err error
}

func (s stubAvatars) AvatarURL(context.Context, string) (string, error) {
	return s.url, s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.ConfirmationRequested
}

func (p *recordingPublisher) PublishConfirmation(_ context.Context, event notify.ConfirmationRequested) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) last(t *testing.T) notify.ConfirmationRequested {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.events)
	return p.events[len(p.events)-1]
}

type testEngine struct {
	service   *Service
	store     *memStore
	redis     *miniredis.Miniredis
	clock     *fakeClock
	publisher *recordingPublisher
}

func newTestEngine(t *testing.T, avatars AvatarResolver) *testEngine {
	t.Helper()

	mr, client := newTestRedis(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	hasher, err := password.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	access, err := token.NewCodec(token.Config{
		Secret: "test-secret", TTL: 30 * time.Minute, Purpose: token.PurposeAccess, Now: clock.Now,
	})
	require.NoError(t, err)
	email, err := token.NewCodec(token.Config{
		Secret: "test-secret", TTL: 7 * 24 * time.Hour, Purpose: token.PurposeEmailConfirmation, Now: clock.Now,
	})
	require.NoError(t, err)

	store := newMemStore()
	publisher := &recordingPublisher{}
	service := NewService(Deps{
		Store:         store,
		Hasher:        hasher,
		AccessTokens:  access,
		EmailTokens:   email,
		Denylist:      NewRegistry(client),
		Avatars:       avatars,
		Confirmations: publisher,
	})
	service.now = clock.Now

	return &testEngine{service: service, store: store, redis: mr, clock: clock, publisher: publisher}
}

func (e *testEngine) registerConfirmed(t *testing.T, username, email, pw string) User {
	t.Helper()
	user, err := e.service.Register(context.Background(), RegisterInput{Username: username, Email: email, Password: pw})
	require.NoError(t, err)
	e.store.confirm(username)
	return user
}

func TestService_RegisterStoresUnconfirmedUser(t *testing.T) {
	e := newTestEngine(t, stubAvatars{url: "https://gravatar.example/a"})

	user, err := e.service.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "A@X.com", Password: "secret1",
	})
	require.NoError(t, err)

	assert.NotZero(t, user.ID)
	assert.Equal(t, "a@x.com", user.Email)
	assert.False(t, user.Confirmed)
	assert.NotEqual(t, "secret1", user.PasswordHash)
	require.NotNil(t, user.Avatar)
	assert.Equal(t, "https://gravatar.example/a", *user.Avatar)
}

func TestService_RegisterAvatarFailureIsNotFatal(t *testing.T) {
	e := newTestEngine(t, stubAvatars{err: errors.New("gravatar down")})

	user, err := e.service.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "a@x.com", Password: "secret1",
	})
	require.NoError(t, err)
	assert.Nil(t, user.Avatar)
}

func TestService_RegisterConflicts(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.service.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = e.service.Register(ctx, RegisterInput{Username: "alice", Email: "b@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = e.service.Register(ctx, RegisterInput{Username: "bob", Email: "a@x.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestService_Authenticate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.service.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = e.service.Authenticate(ctx, "alice", "secret1")
	assert.ErrorIs(t, err, ErrUserNotConfirmed)

	e.store.confirm("alice")

	_, err = e.service.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = e.service.Authenticate(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	user, err := e.service.Authenticate(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestService_StoreFailureIsNotMaskedAsAuthFailure(t *testing.T) {
	e := newTestEngine(t, nil)
	boom := errors.New("connection reset")
	e.store.err = boom

	_, err := e.service.Authenticate(context.Background(), "alice", "secret1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestService_LoginIssuesPair(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	tokens, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{IPAddress: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	assert.Equal(t, "bearer", tokens.TokenType)
	assert.Len(t, tokens.RefreshToken, 2*refreshTokenBytes)

	stored := e.store.refreshTokens()
	require.Len(t, stored, 1)
	assert.Equal(t, HashRefreshToken(tokens.RefreshToken), stored[0].TokenHash)
	assert.NotEqual(t, tokens.RefreshToken, stored[0].TokenHash)
	assert.Equal(t, e.clock.Now().Add(defaultRefreshTTL), stored[0].ExpiredAt)
	require.NotNil(t, stored[0].IPAddress)
	assert.Equal(t, "10.0.0.1", *stored[0].IPAddress)

	user, err := e.service.GetCurrentUser(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestService_RefreshRotatesAndRejectsReplay(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	first, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{})
	require.NoError(t, err)

	second, err := e.service.Refresh(ctx, first.RefreshToken, ClientMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = e.service.ValidateRefreshToken(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = e.service.Refresh(ctx, first.RefreshToken, ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	user, err := e.service.ValidateRefreshToken(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestService_RefreshConcurrentUseHasOneWinner(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	tokens, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{})
	require.NoError(t, err)

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.service.Refresh(ctx, tokens.RefreshToken, ClientMeta{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
	assert.Equal(t, 1, wins)
}

func TestService_RefreshExpiredToken(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	tokens, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{})
	require.NoError(t, err)

	e.clock.Advance(defaultRefreshTTL + time.Second)

	_, err = e.service.Refresh(ctx, tokens.RefreshToken, ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestService_ValidateRefreshToken(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	raw, err := e.service.CreateRefreshToken(ctx, user.ID, ClientMeta{})
	require.NoError(t, err)

	got, err := e.service.ValidateRefreshToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = e.service.ValidateRefreshToken(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = e.service.ValidateRefreshToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	e.store.deleteUser(user.ID)
	_, err = e.service.ValidateRefreshToken(ctx, raw)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestService_LogoutRevokesBothTokens(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	tokens, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{})
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	require.NoError(t, e.service.Logout(ctx, tokens.AccessToken, tokens.RefreshToken))

	assert.Equal(t, 20*time.Minute, e.redis.TTL(denylistKey(tokens.AccessToken)))

	_, err = e.service.GetCurrentUser(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenNotValid)

	_, err = e.service.Refresh(ctx, tokens.RefreshToken, ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.NoError(t, e.service.RevokeRefreshToken(ctx, tokens.RefreshToken))
	require.NoError(t, e.service.RevokeRefreshToken(ctx, "never-issued"))
}

func TestService_LogoutWithExpiredAccessTokenSkipsDenylist(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	tokens, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{})
	require.NoError(t, err)

	e.clock.Advance(31 * time.Minute)
	require.NoError(t, e.service.Logout(ctx, tokens.AccessToken, tokens.RefreshToken))
	assert.False(t, e.redis.Exists(denylistKey(tokens.AccessToken)))
}

func TestService_LogoutWithForgedAccessToken(t *testing.T) {
	e := newTestEngine(t, nil)

	err := e.service.Logout(context.Background(), "not-a-jwt", "")
	assert.ErrorIs(t, err, ErrTokenNotValid)
}

func TestService_GetCurrentUser(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	access, err := e.service.CreateAccessToken("alice")
	require.NoError(t, err)

	_, err = e.service.GetCurrentUser(ctx, "garbage")
	assert.ErrorIs(t, err, ErrTokenNotValid)

	e.store.deleteUser(user.ID)
	_, err = e.service.GetCurrentUser(ctx, access)
	assert.ErrorIs(t, err, ErrUserNotFound)

	e.clock.Advance(31 * time.Minute)
	_, err = e.service.GetCurrentUser(ctx, access)
	assert.ErrorIs(t, err, ErrTokenNotValid)
}

func TestService_ConfirmationTokenIsNotAnAccessToken(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	require.NoError(t, e.service.SendConfirmation(ctx, user, "http://localhost"))
	event := e.publisher.last(t)

	_, err := e.service.GetCurrentUser(ctx, event.Token)
	assert.ErrorIs(t, err, ErrTokenNotValid)
}

func TestService_ConfirmEmail(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	user, err := e.service.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	require.NoError(t, e.service.SendConfirmation(ctx, user, "http://localhost:8080/"))

	event := e.publisher.last(t)
	assert.Equal(t, "a@x.com", event.Email)
	assert.Equal(t, "alice", event.Username)
	assert.NotEmpty(t, event.EventID)
	assert.True(t, strings.HasPrefix(event.ConfirmURL, "http://localhost:8080/users/confirmed_email/"))

	already, err := e.service.ConfirmEmail(ctx, event.Token)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = e.service.ConfirmEmail(ctx, event.Token)
	require.NoError(t, err)
	assert.True(t, already)

	_, err = e.service.Authenticate(ctx, "alice", "secret1")
	require.NoError(t, err)

	_, err = e.service.ConfirmEmail(ctx, "garbage")
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestService_ConfirmEmailUnknownUser(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.service.SendConfirmation(ctx, User{Username: "ghost", Email: "ghost@x.com"}, "http://h"))
	event := e.publisher.last(t)

	_, err := e.service.ConfirmEmail(ctx, event.Token)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestService_ConfirmEmailExpiredToken(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	user, err := e.service.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	require.NoError(t, e.service.SendConfirmation(ctx, user, "http://h"))

	e.clock.Advance(8 * 24 * time.Hour)
	_, err = e.service.ConfirmEmail(ctx, e.publisher.last(t).Token)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestService_RequestConfirmation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	already, err := e.service.RequestConfirmation(ctx, "nobody@x.com", "http://h")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Empty(t, e.publisher.events)

	_, err = e.service.Register(ctx, RegisterInput{Username: "alice", Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	already, err = e.service.RequestConfirmation(ctx, "A@x.com", "http://h")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Len(t, e.publisher.events, 1)

	e.store.confirm("alice")
	already, err = e.service.RequestConfirmation(ctx, "a@x.com", "http://h")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Len(t, e.publisher.events, 1)
}

func TestService_UpdateAvatar(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	user := e.registerConfirmed(t, "alice", "a@x.com", "secret1")

	updated, err := e.service.UpdateAvatar(ctx, user.ID, "https://cdn/a.png")
	require.NoError(t, err)
	require.NotNil(t, updated.Avatar)
	assert.Equal(t, "https://cdn/a.png", *updated.Avatar)

	_, err = e.service.UpdateAvatar(ctx, 999, "https://cdn/b.png")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestService_PurgeRetention(t *testing.T) {
	e := newTestEngine(t, nil)
	e.service.WithRefreshTTL(30 * 24 * time.Hour)
	e.registerConfirmed(t, "alice", "a@x.com", "secret1")
	ctx := context.Background()

	login := func() string {
		tokens, err := e.service.Login(ctx, "alice", "secret1", ClientMeta{})
		require.NoError(t, err)
		return tokens.RefreshToken
	}
	oldRevoked, recentRevoked, active := login(), login(), login()

	require.NoError(t, e.service.RevokeRefreshToken(ctx, oldRevoked))
	e.clock.Advance(8*24*time.Hour - time.Hour)
	require.NoError(t, e.service.RevokeRefreshToken(ctx, recentRevoked))
	e.clock.Advance(time.Hour)

	deleted, err := e.store.PurgeExpiredOrRevoked(ctx, e.clock.Now(), 7*24*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = e.store.GetRefreshTokenByHash(ctx, oldRevoked)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = e.store.GetRefreshTokenByHash(ctx, recentRevoked)
	assert.NoError(t, err)
	_, err = e.service.ValidateRefreshToken(ctx, active)
	assert.NoError(t, err)

	e.clock.Advance(30 * 24 * time.Hour)
	deleted, err = e.store.PurgeExpiredOrRevoked(ctx, e.clock.Now(), 7*24*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Empty(t, e.store.refreshTokens())
}

type countingHasher struct {
	PasswordHasher
	mu       sync.Mutex
	verifies int
}

func (h *countingHasher) Verify(pw, hash string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.PasswordHasher.Verify(pw, hash)
}

func TestService_AuthenticateUnknownUserStillComparesHash(t *testing.T) {
	e := newTestEngine(t, nil)
	counter := &countingHasher{PasswordHasher: e.service.hasher}
	e.service.hasher = counter

	_, err := e.service.Authenticate(context.Background(), "ghost", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, counter.verifies)
	assert.True(t, strings.HasPrefix(e.service.decoyHash, "$2"))
}
