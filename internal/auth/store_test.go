package auth

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// memStore is an in-memory Store for engine tests. Each method holds the
// lock, so ConsumeRefreshToken is atomic like the conditional UPDATE.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]User
	tokens      map[int64]RefreshToken
	nextUserID  int64
	nextTokenID int64
	err         error
}

func newMemStore() *memStore {
	return &memStore{users: map[int64]User{}, tokens: map[int64]RefreshToken{}}
}

func (m *memStore) findUser(match func(User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return User{}, m.err
	}
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	return m.findUser(func(u User) bool { return u.Username == username })
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	return m.findUser(func(u User) bool { return u.Email == email })
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (User, error) {
	return m.findUser(func(u User) bool { return u.ID == id })
}

func (m *memStore) CreateUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return User{}, ErrUsernameTaken
		}
		if u.Email == user.Email {
			return User{}, ErrEmailTaken
		}
	}
	m.nextUserID++
	user.ID = m.nextUserID
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) ConfirmEmail(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.Email == email {
			u.Confirmed = true
			m.users[id] = u
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) UpdateAvatar(_ context.Context, userID int64, url string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	u.Avatar = &url
	m.users[userID] = u
	return u, nil
}

func (m *memStore) deleteUser(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *memStore) confirm(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.Username == username {
			u.Confirmed = true
			m.users[id] = u
		}
	}
}

func (m *memStore) CreateRefreshToken(_ context.Context, userID int64, rawToken string, expiresAt time.Time, meta ClientMeta) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTokenID++
	token := RefreshToken{
		ID:        m.nextTokenID,
		UserID:    userID,
		TokenHash: HashRefreshToken(rawToken),
		ExpiredAt: expiresAt,
		IPAddress: optionalString(meta.IPAddress),
		UserAgent: optionalString(meta.UserAgent),
	}
	m.tokens[token.ID] = token
	return token, nil
}

func (m *memStore) byHash(rawToken string) (RefreshToken, bool) {
	hash := HashRefreshToken(rawToken)
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			return t, true
		}
	}
	return RefreshToken{}, false
}

func (m *memStore) GetActiveRefreshToken(_ context.Context, rawToken string, now time.Time) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash(rawToken)
	if !ok || !t.IsActive(now) {
		return RefreshToken{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) GetRefreshTokenByHash(_ context.Context, rawToken string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash(rawToken)
	if !ok {
		return RefreshToken{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &now
	m.tokens[id] = t
	return true, nil
}

func (m *memStore) ConsumeRefreshToken(_ context.Context, rawToken string, now time.Time) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash(rawToken)
	if !ok || !t.IsActive(now) {
		return RefreshToken{}, sql.ErrNoRows
	}
	t.RevokedAt = &now
	m.tokens[t.ID] = t
	return t, nil
}

func (m *memStore) InTx(_ context.Context, fn func(store Store) error) error {
	return fn(m)
}

func (m *memStore) refreshTokens() []RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RefreshToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t)
	}
	return out
}

func (m *memStore) PurgeExpiredOrRevoked(_ context.Context, now time.Time, retention time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, t := range m.tokens {
		if t.Purgeable(now, retention) {
			delete(m.tokens, id)
			deleted++
		}
	}
	return deleted, nil
}
