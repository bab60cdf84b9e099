package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"contacts-api/internal/db"
)

const uniqueViolation = "23505"

const userColumns = `id, username, email, hash_password, avatar, confirmed`

const refreshTokenColumns = `id, user_id, token_hash, created_at, expired_at, revoked_at, ip_address, user_agent`

// Repository is the Postgres-backed credential and refresh token store.
type Repository struct {
	db   db.DBTX
	conn *sql.DB
}

var _ Store = (*Repository)(nil)

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn, conn: conn}
}

// InTx runs fn against a repository bound to a single transaction. Nested
// calls reuse the outer transaction.
func (r *Repository) InTx(ctx context.Context, fn func(store Store) error) error {
	if r.conn == nil {
		return fn(r)
	}
	return db.WithTx(ctx, r.conn, nil, func(ctx context.Context, tx db.DBTX) error {
		return fn(&Repository{db: tx})
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var avatar sql.NullString
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &avatar, &user.Confirmed); err != nil {
		return User{}, err
	}
	if avatar.Valid {
		value := avatar.String
		user.Avatar = &value
	}
	return user, nil
}

func scanRefreshToken(row rowScanner) (RefreshToken, error) {
	var token RefreshToken
	var revokedAt sql.NullTime
	var ip, userAgent sql.NullString
	if err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.CreatedAt, &token.ExpiredAt, &revokedAt, &ip, &userAgent); err != nil {
		return RefreshToken{}, err
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		token.RevokedAt = &value
	}
	if ip.Valid {
		value := ip.String
		token.IPAddress = &value
	}
	if userAgent.Valid {
		value := userAgent.String
		token.UserAgent = &value
	}
	return token, nil
}

func (r *Repository) getUser(ctx context.Context, column string, value any) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by %s: %w", column, err)
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return r.getUser(ctx, "username", username)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return r.getUser(ctx, "email", email)
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (User, error) {
	return r.getUser(ctx, "id", id)
}

func (r *Repository) CreateUser(ctx context.Context, user User) (User, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, hash_password, avatar, confirmed)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, user.Username, user.Email, user.PasswordHash, user.Avatar, user.Confirmed).Scan(&user.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case "users_username_key":
				return User{}, ErrUsernameTaken
			case "users_email_key":
				return User{}, ErrEmailTaken
			default:
				return User{}, fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
			}
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) ConfirmEmail(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET confirmed = TRUE WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm email rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (r *Repository) UpdateAvatar(ctx context.Context, userID int64, url string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET avatar = $2
		WHERE id = $1
		RETURNING `+userColumns, userID, url))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("update avatar: %w", err)
	}
	return user, nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, userID int64, rawToken string, expiresAt time.Time, meta ClientMeta) (RefreshToken, error) {
	token, err := scanRefreshToken(r.db.QueryRowContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expired_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+refreshTokenColumns,
		userID, HashRefreshToken(rawToken), expiresAt.UTC(), optionalString(meta.IPAddress), optionalString(meta.UserAgent)))
	if err != nil {
		return RefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}
	return token, nil
}

func (r *Repository) GetActiveRefreshToken(ctx context.Context, rawToken string, now time.Time) (RefreshToken, error) {
	token, err := scanRefreshToken(r.db.QueryRowContext(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL AND expired_at > $2
	`, HashRefreshToken(rawToken), now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, err
		}
		return RefreshToken{}, fmt.Errorf("read active refresh token: %w", err)
	}
	return token, nil
}

func (r *Repository) GetRefreshTokenByHash(ctx context.Context, rawToken string) (RefreshToken, error) {
	token, err := scanRefreshToken(r.db.QueryRowContext(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE token_hash = $1
	`, HashRefreshToken(rawToken)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, err
		}
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}
	return token, nil
}

// RevokeRefreshToken marks the token revoked. It reports false when the token
// was already revoked (or does not exist); revoked_at is never overwritten.
func (r *Repository) RevokeRefreshToken(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows affected: %w", err)
	}
	return affected > 0, nil
}

// ConsumeRefreshToken revokes an active token and returns it in one
// conditional statement, so two concurrent callers can never both succeed.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, rawToken string, now time.Time) (RefreshToken, error) {
	token, err := scanRefreshToken(r.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expired_at > $2
		RETURNING `+refreshTokenColumns,
		HashRefreshToken(rawToken), now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, err
		}
		return RefreshToken{}, fmt.Errorf("consume refresh token: %w", err)
	}
	return token, nil
}

// PurgeExpiredOrRevoked deletes expired tokens and tokens revoked longer than
// retention ago, batchSize rows per statement, until nothing is left.
func (r *Repository) PurgeExpiredOrRevoked(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now = now.UTC()
	cutoff := now.Add(-retention)

	var total int64
	for {
		res, err := r.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT id
				FROM refresh_tokens
				WHERE expired_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
				ORDER BY id ASC
				LIMIT $3
			)
			DELETE FROM refresh_tokens t
			USING stale
			WHERE t.id = stale.id
		`, now, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("delete stale refresh tokens: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("stale refresh tokens rows affected: %w", err)
		}
		total += affected

		if affected < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
