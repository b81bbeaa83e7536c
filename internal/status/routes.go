package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bgjob/internal/scheduler"
	"bgjob/internal/storage"
	"bgjob/internal/trigger"
)

const (
	defaultHistory = 50
	maxHistory     = 1000
)

// Source supplies everything the server reports. Implementations must be
// safe for concurrent use; the scheduler itself is not, so the host
// publishes copies.
type Source interface {
	Jobs() (scheduler.Snapshot, bool)
	Schedules() []trigger.ScheduleInfo
	Recent(ctx context.Context, n int) ([]storage.Record, error)
}

type envelope struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handler builds the router. token, when set, is required on every route.
func Handler(src Source, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := src.Jobs()
		if !ok {
			respondError(w, http.StatusServiceUnavailable, "scheduler not running")
			return
		}
		respondOK(w, snap)
	})
	r.Get("/schedules", func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, src.Schedules())
	})
	r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
		n := defaultHistory
		if raw := r.URL.Query().Get("n"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				respondError(w, http.StatusBadRequest, "n must be a positive integer")
				return
			}
			n = min(v, maxHistory)
		}
		recs, err := src.Recent(r.Context(), n)
		switch {
		case errors.Is(err, storage.ErrDisabled):
			respondError(w, http.StatusNotFound, "history storage disabled")
			return
		case err != nil:
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if recs == nil {
			recs = []storage.Record{}
		}
		respondOK(w, recs)
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondOK(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, envelope{Status: "ok", Data: data})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{Status: "error", Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, body envelope) {
	body.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
