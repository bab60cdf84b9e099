// Package users serves the account endpoints that sit behind or beside
// authentication: profile, email confirmation and avatar upload.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"contacts-api/internal/auth"
	"contacts-api/internal/media"
	"contacts-api/internal/observability"
	"contacts-api/internal/token"
)

const (
	maxJSONBodyBytes = 1 << 20
	avatarFolder     = "Restapi"
)

type AvatarUploader interface {
	UploadAvatar(ctx context.Context, imageSource, publicID string) (string, error)
}

type Handler struct {
	service  *auth.Service
	uploader AvatarUploader
	logger   *observability.Logger
}

func NewHandler(service *auth.Service, uploader AvatarUploader, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{service: service, uploader: uploader, logger: logger}
}

type requestEmailRequest struct {
	Email string `json:"email"`
}

func (r requestEmailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(0, auth.MaxEmailLength), is.Email),
	)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) ConfirmedEmail(w http.ResponseWriter, r *http.Request) {
	already, err := h.service.ConfirmEmail(r.Context(), r.PathValue("token"))
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidToken):
			writeError(w, http.StatusUnprocessableEntity, "Invalid token for email confirmation")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, http.StatusNotFound, "User not found")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to confirm email")
		}
		return
	}

	if already {
		writeMessage(w, "Email already confirmed")
		return
	}
	writeMessage(w, "Email confirmed")
}

func (h *Handler) RequestEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body requestEmailRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	already, err := h.service.RequestConfirmation(r.Context(), body.Email, auth.BaseURL(r))
	if err != nil {
		h.logger.Warn("confirmation_publish_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to request confirmation")
		return
	}

	if already {
		writeMessage(w, "Email already confirmed")
		return
	}
	writeMessage(w, "Email sent")
}

func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if h.uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "image uploader is not configured")
		return
	}

	source, err := media.ReadImage(r, "file")
	if err != nil {
		switch {
		case errors.Is(err, media.ErrImageRequired), errors.Is(err, media.ErrImageInvalid), errors.Is(err, media.ErrImageTooLarge):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "failed to read file")
		}
		return
	}

	url, err := h.uploader.UploadAvatar(r.Context(), source, avatarFolder+"/"+user.Username)
	if err != nil {
		h.logger.Error("avatar_upload_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "failed to upload image")
		return
	}

	updated, err := h.service.UpdateAvatar(r.Context(), user.ID, url)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update avatar")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
