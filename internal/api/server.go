// Package api implements the HTTP transport layer (spec §6): a thin
// net/http adapter translating requests into calls against the
// transport-agnostic core packages (lifecycle, admission, embedworker,
// cleanup, blacklist, store) and translating their errors back to the
// status-code map in §6/§7. Grounded on cmd/dialog-gateway/main.go's
// handler shape (sendError JSON helper, graceful shutdown via
// signal.NotifyContext) generalized from a single-purpose webhook
// receiver to the full issue-sink surface, using Go 1.22+
// http.ServeMux method+path routing instead of the teacher's
// hand-rolled single-route mux.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/issuesink/issuesink/internal/admission"
	"github.com/issuesink/issuesink/internal/blacklist"
	"github.com/issuesink/issuesink/internal/cleanup"
	"github.com/issuesink/issuesink/internal/embedclient"
	"github.com/issuesink/issuesink/internal/embedworker"
	"github.com/issuesink/issuesink/internal/lifecycle"
	"github.com/issuesink/issuesink/internal/logging"
	"github.com/issuesink/issuesink/internal/store"
)

// Server wires the HTTP surface to the core collaborators.
type Server struct {
	Store     store.Store
	Lifecycle *lifecycle.Engine
	Admission *admission.Pipeline
	Blacklist *blacklist.Cache
	BLManager *blacklist.Manager
	Embedder  embedclient.Client
	Worker    *embedworker.Worker
	Cleanup   *cleanup.Scheduler

	ImagesDir string
	APIKey    string
	CORS      CORSConfig
	Logger    *logging.Logger
}

// CORSConfig mirrors spec §6's "CORS origin/methods/headers" config.
type CORSConfig struct {
	Origin  []string
	Methods []string
	Headers []string
}

// Routes builds the full HTTP surface (spec §6 "HTTP surface").
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)

	mux.HandleFunc("POST /log", s.withAuth(s.handleLogCreate))
	mux.HandleFunc("GET /log/{app}", s.withAuth(s.handleLogListAll))
	mux.HandleFunc("GET /log/{app}/statistics", s.withAuth(s.handleLogStatistics))
	mux.HandleFunc("GET /log/{app}/{state}", s.withAuth(s.handleLogListState))
	mux.HandleFunc("GET /log/{app}/img/{filename}", s.withAuth(s.handleImage))
	mux.HandleFunc("GET /log/{app}/id/{id}", s.withAuth(s.handleLogGet))
	mux.HandleFunc("GET /log/{app}/id/{id}/screenshots", s.withAuth(s.handleScreenshots))
	mux.HandleFunc("PATCH /log/{app}/{id}/in-progress", s.withAuth(s.handleInProgress))
	mux.HandleFunc("PUT /log/{app}/{id}", s.withAuth(s.handleSetDone))
	mux.HandleFunc("PATCH /log/{app}/{id}/revert", s.withAuth(s.handleRevert))
	mux.HandleFunc("POST /log/{app}/{id}", s.withAuth(s.handleReopenReject))
	mux.HandleFunc("DELETE /log/{app}/{id}", s.withAuth(s.handleClose))
	mux.HandleFunc("DELETE /log/{app}", s.withAuth(s.handlePurgeAll))
	mux.HandleFunc("DELETE /log/{app}/closed", s.withAuth(s.handlePurgeClosed))
	mux.HandleFunc("PATCH /log/{app}/{id}/plan", s.withAuth(s.handleSetPlan))
	mux.HandleFunc("PATCH /log/{app}/{id}/issue-fields", s.withAuth(s.handleSetIssueFields))

	mux.HandleFunc("GET /blacklist", s.withAuth(s.handleBlacklistList))
	mux.HandleFunc("GET /blacklist/statistics", s.withAuth(s.handleBlacklistStatistics))
	mux.HandleFunc("GET /blacklist/{id}", s.withAuth(s.handleBlacklistGet))
	mux.HandleFunc("POST /blacklist", s.withAuth(s.handleBlacklistCreate))
	mux.HandleFunc("PUT /blacklist/{id}", s.withAuth(s.handleBlacklistUpdate))
	mux.HandleFunc("DELETE /blacklist/{id}", s.withAuth(s.handleBlacklistDelete))
	mux.HandleFunc("DELETE /blacklist", s.withAuth(s.handleBlacklistClear))
	mux.HandleFunc("POST /blacklist/test", s.withAuth(s.handleBlacklistTest))
	mux.HandleFunc("POST /blacklist/refresh", s.withAuth(s.handleBlacklistRefresh))

	mux.HandleFunc("GET /cleanup/status", s.withAuth(s.handleCleanupStatus))
	mux.HandleFunc("GET /cleanup/config", s.withAuth(s.handleCleanupConfig))
	mux.HandleFunc("POST /cleanup/run", s.withAuth(s.handleCleanupRun))

	mux.HandleFunc("GET /embedding/status", s.withAuth(s.handleEmbeddingStatus))
	mux.HandleFunc("GET /embedding/pending", s.withAuth(s.handleEmbeddingPending))
	mux.HandleFunc("POST /embedding/process", s.withAuth(s.handleEmbeddingProcess))
	mux.HandleFunc("POST /embedding/process/{logId}", s.withAuth(s.handleEmbeddingProcessOne))
	mux.HandleFunc("GET /embedding/similar/{app}/{id}", s.withAuth(s.handleEmbeddingSimilar))
	mux.HandleFunc("POST /embedding/search/{app}", s.withAuth(s.handleEmbeddingSearch))

	return s.withCORS(mux)
}

// withAuth enforces spec §6's "X-API-Key or Authorization: Bearer"
// requirement. An empty configured APIKey disables auth, useful for
// local development.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey == "" {
			next(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if key != s.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.CORS.Origin) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", joinOrDefault(s.CORS.Origin, "*"))
			w.Header().Set("Access-Control-Allow-Methods", joinOrDefault(s.CORS.Methods, "GET, POST, PUT, PATCH, DELETE"))
			w.Header().Set("Access-Control-Allow-Headers", joinOrDefault(s.CORS.Headers, "Content-Type, X-API-Key, Authorization"))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func joinOrDefault(vals []string, def string) string {
	if len(vals) == 0 {
		return def
	}
	out := vals[0]
	for _, v := range vals[1:] {
		out += ", " + v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled,
// then shuts down gracefully (grounded on cmd/dialog-gateway/main.go's
// signal.NotifyContext + server.Shutdown pattern).
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.Logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
