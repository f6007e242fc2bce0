package api

import (
	"net/http"
	"strconv"

	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// handleEmbeddingStatus is spec §6 `GET /embedding/status`, extended with
// the worker's in-flight claim set (SPEC_FULL.md §C.4).
func (s *Server) handleEmbeddingStatus(w http.ResponseWriter, r *http.Request) {
	if s.Worker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	st := s.Worker.Stats()
	inFlight := make([]string, 0, len(st.InFlightIDs))
	for _, id := range st.InFlightIDs {
		inFlight = append(inFlight, string(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"running":          st.Running,
		"last_tick":        st.LastTick,
		"last_duration_ms": st.LastDuration.Milliseconds(),
		"processed":        st.Processed,
		"merged":           st.Merged,
		"promoted":         st.Promoted,
		"errors":           st.Errors,
		"in_flight_ids":    inFlight,
	})
}

// handleEmbeddingPending is spec §6 `GET /embedding/pending`.
func (s *Server) handleEmbeddingPending(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	issues, err := s.Store.ListPending(r.Context(), limit, nil)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalPending": len(issues),
		"logs":         issues,
	})
}

// handleEmbeddingProcess is spec §6 `POST /embedding/process` — the
// explicit force-process trigger. A tick already in progress yields 409
// ("busy", spec §4.4/§5).
func (s *Server) handleEmbeddingProcess(w http.ResponseWriter, r *http.Request) {
	if s.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "embedding is disabled")
		return
	}
	if !s.Worker.ForceProcess(r.Context()) {
		writeError(w, http.StatusConflict, "embedding worker is busy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleEmbeddingProcessOne is spec §6 `POST /embedding/process/:logId`.
// The route carries no application id, so the issue is located across
// applications before handing it to the worker.
func (s *Server) handleEmbeddingProcessOne(w http.ResponseWriter, r *http.Request) {
	if s.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "embedding is disabled")
		return
	}
	id := types.ID(r.PathValue("logId"))
	app, err := s.findIssueApp(r, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.Worker.ProcessIssue(r.Context(), app, id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// findIssueApp resolves the application an issue belongs to. An explicit
// ?applicationId= skips the scan.
func (s *Server) findIssueApp(r *http.Request, id types.ID) (string, error) {
	if app := r.URL.Query().Get("applicationId"); app != "" {
		if _, err := s.Store.GetIssue(r.Context(), app, id); err != nil {
			return "", err
		}
		return app, nil
	}
	apps, err := s.Store.ListApplications(r.Context())
	if err != nil {
		return "", err
	}
	for _, app := range apps {
		if _, err := s.Store.GetIssue(r.Context(), app, id); err == nil {
			return app, nil
		}
	}
	return "", issuesink.ErrNotFound
}

type similarResult struct {
	Issue *types.Issue `json:"issue"`
	Score float64      `json:"score"`
}

// handleEmbeddingSimilar is spec §6 `GET /embedding/similar/:app/:id?limit`.
func (s *Server) handleEmbeddingSimilar(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	issue, err := s.Store.GetIssue(r.Context(), app, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if issue.Embedding == nil {
		writeError(w, http.StatusBadRequest, "issue has no embedding")
		return
	}

	limit := parseLimit(r, 5)
	similar, err := s.Store.SimilarIssues(r.Context(), app, issue.Embedding, limit+1, 0)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      issue.ID,
		"similar": dropSelf(similar, id, limit),
	})
}

func dropSelf(similar []store.SimilarIssue, self types.ID, limit int) []similarResult {
	out := make([]similarResult, 0, len(similar))
	for _, si := range similar {
		if si.Issue.ID == self {
			continue
		}
		out = append(out, similarResult{Issue: si.Issue, Score: si.Score})
		if len(out) == limit {
			break
		}
	}
	return out
}

type embeddingSearchRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit,omitempty"`
}

// handleEmbeddingSearch is spec §6 `POST /embedding/search/:app`.
func (s *Server) handleEmbeddingSearch(w http.ResponseWriter, r *http.Request) {
	if s.Embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "embedding is disabled")
		return
	}
	app := r.PathValue("app")
	var req embeddingSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	vec, _, err := s.Embedder.Embed(r.Context(), req.Text)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	similar, err := s.Store.SimilarIssues(r.Context(), app, vec, limit, 0)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	results := make([]similarResult, 0, len(similar))
	for _, si := range similar {
		results = append(results, similarResult{Issue: si.Issue, Score: si.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
