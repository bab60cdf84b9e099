package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"contacts-api/internal/db"
)

const uniqueViolation = "23505"

const contactColumns = `id, user_id, first_name, last_name, email, phone, birthday, additional_data`

// Repository stores contacts. Every query is scoped to the owning user.
type Repository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (Contact, error) {
	var c Contact
	var birthday time.Time
	var extra sql.NullString
	if err := row.Scan(&c.ID, &c.UserID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &birthday, &extra); err != nil {
		return Contact{}, err
	}
	c.Birthday = NewDate(birthday.Year(), birthday.Month(), birthday.Day())
	if extra.Valid {
		value := extra.String
		c.AdditionalData = &value
	}
	return c, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return contacts, nil
}

func (r *Repository) List(ctx context.Context, userID int64, limit, offset int) ([]Contact, error) {
	return r.query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE user_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
}

func (r *Repository) Get(ctx context.Context, userID, id int64) (Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (r *Repository) Create(ctx context.Context, userID int64, input Input) (Contact, error) {
	birthday, err := ParseDate(input.Birthday)
	if err != nil {
		return Contact{}, fmt.Errorf("parse birthday: %w", err)
	}

	c, err := scanContact(r.db.QueryRowContext(ctx, `
		INSERT INTO contacts (user_id, first_name, last_name, email, phone, birthday, additional_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+contactColumns,
		userID, input.FirstName, input.LastName, input.Email, input.Phone, birthday.Time, input.AdditionalData))
	if err != nil {
		return Contact{}, mapWriteError("insert contact", err)
	}
	return c, nil
}

// Update applies the non-nil fields of patch.
func (r *Repository) Update(ctx context.Context, userID, id int64, patch Patch) (Contact, error) {
	var birthday *time.Time
	if patch.Birthday != nil {
		parsed, err := ParseDate(*patch.Birthday)
		if err != nil {
			return Contact{}, fmt.Errorf("parse birthday: %w", err)
		}
		birthday = &parsed.Time
	}

	c, err := scanContact(r.db.QueryRowContext(ctx, `
		UPDATE contacts
		SET first_name = COALESCE($3, first_name),
			last_name = COALESCE($4, last_name),
			email = COALESCE($5, email),
			phone = COALESCE($6, phone),
			birthday = COALESCE($7, birthday),
			additional_data = COALESCE($8, additional_data)
		WHERE id = $1 AND user_id = $2
		RETURNING `+contactColumns,
		id, userID, patch.FirstName, patch.LastName, patch.Email, patch.Phone, birthday, patch.AdditionalData))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, mapWriteError("update contact", err)
	}
	return c, nil
}

func (r *Repository) Delete(ctx context.Context, userID, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// Search matches names case-insensitively by substring and email exactly.
// An empty filter matches every contact of the user.
func (r *Repository) Search(ctx context.Context, userID int64, filter SearchFilter) ([]Contact, error) {
	conditions := []string{"user_id = $1"}
	args := []any{userID}

	add := func(clause string, value string) {
		args = append(args, value)
		conditions = append(conditions, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if v := strings.TrimSpace(filter.FirstName); v != "" {
		add("first_name ILIKE ?", "%"+escapeLike(v)+"%")
	}
	if v := strings.TrimSpace(filter.LastName); v != "" {
		add("last_name ILIKE ?", "%"+escapeLike(v)+"%")
	}
	if v := strings.TrimSpace(filter.Email); v != "" {
		add("email = ?", v)
	}

	return r.query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY id ASC
	`, args...)
}

// UpcomingBirthdays returns contacts whose birthday (month and day) falls in
// [from, from+days], wrapping over the new year.
func (r *Repository) UpcomingBirthdays(ctx context.Context, userID int64, from time.Time, days int) ([]Contact, error) {
	start := from.Format("01-02")
	end := from.AddDate(0, 0, days).Format("01-02")

	op := "AND"
	if end < start {
		op = "OR"
	}

	return r.query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE user_id = $1
		  AND (to_char(birthday, 'MM-DD') >= $2 `+op+` to_char(birthday, 'MM-DD') <= $3)
		ORDER BY to_char(birthday, 'MM-DD') ASC, id ASC
	`, userID, start, end)
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
