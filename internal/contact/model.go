package contact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const dateLayout = "2006-01-02"

var (
	ErrNotFound = errors.New("contact not found")
	ErrConflict = errors.New("contact already exists")
)

var phonePattern = regexp.MustCompile(`^\+?\d{7,15}$`)

// Date is a calendar date serialised as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(value string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := ParseDate(raw)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", raw, err)
	}
	*d = parsed
	return nil
}

type Contact struct {
	ID             int64   `json:"id"`
	UserID         int64   `json:"-"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Email          string  `json:"email"`
	Phone          string  `json:"phone"`
	Birthday       Date    `json:"birthday"`
	AdditionalData *string `json:"additional_data"`
}

type Input struct {
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Email          string  `json:"email"`
	Phone          string  `json:"phone"`
	Birthday       string  `json:"birthday"`
	AdditionalData *string `json:"additional_data"`
}

func (in Input) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FirstName, validation.Required, validation.Length(2, 50)),
		validation.Field(&in.LastName, validation.Required, validation.Length(2, 50)),
		validation.Field(&in.Email, validation.Required, validation.Length(1, 100), is.Email),
		validation.Field(&in.Phone, validation.Required, validation.Match(phonePattern)),
		validation.Field(&in.Birthday, validation.Required, validation.Date(dateLayout)),
		validation.Field(&in.AdditionalData, validation.Length(0, 255)),
	)
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	FirstName      *string `json:"first_name"`
	LastName       *string `json:"last_name"`
	Email          *string `json:"email"`
	Phone          *string `json:"phone"`
	Birthday       *string `json:"birthday"`
	AdditionalData *string `json:"additional_data"`
}

func (p Patch) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FirstName, validation.NilOrNotEmpty, validation.Length(2, 50)),
		validation.Field(&p.LastName, validation.NilOrNotEmpty, validation.Length(2, 50)),
		validation.Field(&p.Email, validation.NilOrNotEmpty, validation.Length(1, 100), is.Email),
		validation.Field(&p.Phone, validation.NilOrNotEmpty, validation.Match(phonePattern)),
		validation.Field(&p.Birthday, validation.NilOrNotEmpty, validation.Date(dateLayout)),
		validation.Field(&p.AdditionalData, validation.Length(0, 255)),
	)
}

type SearchFilter struct {
	FirstName string
	LastName  string
	Email     string
}
