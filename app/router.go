package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"contacts-api/internal/auth"
	"contacts-api/internal/contact"
	"contacts-api/internal/maintenance"
	"contacts-api/internal/observability"
	"contacts-api/internal/users"
)

type routerDeps struct {
	auth     *auth.Handler
	users    *users.Handler
	contacts *contact.Handler
	cleanup  *maintenance.CleanupHandler
	service  *auth.Service
	health   http.HandlerFunc
	logger   *observability.Logger
}

func newRouter(d routerDeps) http.Handler {
	protect := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(d.service, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", d.auth.Register)
	mux.HandleFunc("POST /auth/login", d.auth.Login)
	mux.HandleFunc("POST /auth/refresh", d.auth.Refresh)
	mux.HandleFunc("POST /auth/logout", d.auth.Logout)

	mux.Handle("GET /users/me", protect(d.users.Me))
	mux.HandleFunc("GET /users/confirmed_email/{token}", d.users.ConfirmedEmail)
	mux.HandleFunc("POST /users/request_email", d.users.RequestEmail)
	mux.Handle("POST /users/avatar", protect(d.users.UpdateAvatar))

	mux.Handle("GET /contacts", protect(d.contacts.ListContacts))
	mux.Handle("POST /contacts", protect(d.contacts.CreateContact))
	mux.Handle("GET /contacts/search", protect(d.contacts.SearchContacts))
	mux.Handle("GET /contacts/birthdays", protect(d.contacts.UpcomingBirthdays))
	mux.Handle("GET /contacts/{id}", protect(d.contacts.GetContact))
	mux.Handle("PUT /contacts/{id}", protect(d.contacts.UpdateContact))
	mux.Handle("DELETE /contacts/{id}", protect(d.contacts.DeleteContact))

	mux.HandleFunc("GET /internal/maintenance/cleanup", d.cleanup.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", d.cleanup.Handle)
	mux.HandleFunc("GET /health", d.health)

	return observability.RequestLoggingMiddleware(d.logger, observability.RecoverMiddleware(d.logger, mux))
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func healthHandler(database pinger, cache redis.Cmdable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := http.StatusOK
		if err := database.PingContext(ctx); err != nil {
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if err := cache.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
