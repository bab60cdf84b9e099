package auth

import (
	"errors"
	"fmt"
)

var (
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	ErrUsernameTaken = fmt.Errorf("%w: user already exists", ErrConflict)
	ErrEmailTaken    = fmt.Errorf("%w: email already exists", ErrConflict)

	ErrInvalidCredentials  = fmt.Errorf("%w: incorrect username or password", ErrUnauthorized)
	ErrUserNotConfirmed    = fmt.Errorf("%w: user not confirmed", ErrUnauthorized)
	ErrInvalidRefreshToken = fmt.Errorf("%w: invalid refresh token", ErrUnauthorized)
	ErrTokenNotValid       = fmt.Errorf("%w: token not valid", ErrUnauthorized)

	ErrUserNotFound = fmt.Errorf("%w: user not found", ErrNotFound)
)
