package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"contacts-api/internal/notify"
)

const confirmEmailPath = "/users/confirmed_email/"

// ConfirmEmail marks the account behind an email-confirmation token as
// confirmed. It reports alreadyConfirmed without touching the row when the
// account was confirmed before. Token failures match token.ErrInvalidToken.
func (s *Service) ConfirmEmail(ctx context.Context, emailToken string) (alreadyConfirmed bool, err error) {
	claims, err := s.emailTokens.Verify(strings.TrimSpace(emailToken))
	if err != nil {
		return false, err
	}

	user, err := s.store.GetUserByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	if user.Confirmed {
		return true, nil
	}

	if err := s.store.ConfirmEmail(ctx, user.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	return false, nil
}

// RequestConfirmation re-sends the confirmation request for email. Unknown
// addresses are ignored so the endpoint does not reveal which emails exist.
func (s *Service) RequestConfirmation(ctx context.Context, email, baseURL string) (alreadyConfirmed bool, err error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if user.Confirmed {
		return true, nil
	}
	return false, s.SendConfirmation(ctx, user, baseURL)
}

func (s *Service) SendConfirmation(ctx context.Context, user User, baseURL string) error {
	if s.confirmations == nil {
		return nil
	}

	emailToken, err := s.emailTokens.Issue(user.Email)
	if err != nil {
		return err
	}

	return s.confirmations.PublishConfirmation(ctx, notify.ConfirmationRequested{
		EventID:     uuid.NewString(),
		Email:       user.Email,
		Username:    user.Username,
		Token:       emailToken,
		ConfirmURL:  strings.TrimRight(baseURL, "/") + confirmEmailPath + emailToken,
		RequestedAt: s.now(),
	})
}

func (s *Service) UpdateAvatar(ctx context.Context, userID int64, url string) (User, error) {
	user, err := s.store.UpdateAvatar(ctx, userID, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return user, nil
}
