package contact

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"contacts-api/internal/auth"
)

const (
	maxJSONBodyBytes = 1 << 20
	defaultLimit     = 10
	maxLimit         = 100
	birthdayWindow   = 7
)

type Store interface {
	List(ctx context.Context, userID int64, limit, offset int) ([]Contact, error)
	Get(ctx context.Context, userID, id int64) (Contact, error)
	Create(ctx context.Context, userID int64, input Input) (Contact, error)
	Update(ctx context.Context, userID, id int64, patch Patch) (Contact, error)
	Delete(ctx context.Context, userID, id int64) error
	Search(ctx context.Context, userID int64, filter SearchFilter) ([]Contact, error)
	UpcomingBirthdays(ctx context.Context, userID int64, from time.Time, days int) ([]Contact, error)
}

// Handler serves /contacts. Routes must be wrapped with auth.Middleware.
type Handler struct {
	store Store
	now   func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be non-negative")
		return
	}

	contacts, err := h.store.List(r.Context(), user.ID, limit, offset)
	h.writeList(w, contacts, err, "failed to list contacts")
}

func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := contactID(w, r)
	if !ok {
		return
	}

	c, err := h.store.Get(r.Context(), user.ID, id)
	if err != nil {
		writeStoreError(w, err, "failed to get contact")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var input Input
	if !decodeJSON(w, r, &input) {
		return
	}
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	input.Email = strings.TrimSpace(input.Email)
	input.Phone = strings.TrimSpace(input.Phone)
	if err := input.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := h.store.Create(r.Context(), user.ID, input)
	if err != nil {
		writeStoreError(w, err, "failed to create contact")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := contactID(w, r)
	if !ok {
		return
	}

	var patch Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := h.store.Update(r.Context(), user.ID, id, patch)
	if err != nil {
		writeStoreError(w, err, "failed to update contact")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := contactID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), user.ID, id); err != nil {
		writeStoreError(w, err, "failed to delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SearchContacts(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	contacts, err := h.store.Search(r.Context(), user.ID, SearchFilter{
		FirstName: q.Get("first_name"),
		LastName:  q.Get("last_name"),
		Email:     q.Get("email"),
	})
	h.writeList(w, contacts, err, "failed to search contacts")
}

func (h *Handler) UpcomingBirthdays(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	contacts, err := h.store.UpcomingBirthdays(r.Context(), user.ID, h.now(), birthdayWindow)
	h.writeList(w, contacts, err, "failed to list birthdays")
}

func (h *Handler) writeList(w http.ResponseWriter, contacts []Contact, err error, failure string) {
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, failure)
		return
	}
	if len(contacts) == 0 {
		writeError(w, http.StatusNotFound, "Contacts not found")
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func currentUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	}
	return user, ok
}

func contactID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeStoreError(w http.ResponseWriter, err error, failure string) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Contact not found")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "Contact with this email or phone already exists")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, failure)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
