package api

import (
	"net/http"
)

// handleCleanupStatus is spec §6 `GET /cleanup/status`: the counters the
// scheduler published after its last run (spec §4.5 "Partial failure").
func (s *Server) handleCleanupStatus(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	c := s.Cleanup.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":                 true,
		"running":                 s.Cleanup.IsRunning(),
		"duplicates_found":        c.DuplicatesFound,
		"duplicates_removed":      c.DuplicatesRemoved,
		"old_logs_removed":        c.OldLogsRemoved,
		"orphaned_images_removed": c.OrphanedImagesRemoved,
		"last_run_at":             c.LastRunAt,
		"last_run_duration_ms":    c.LastRunDuration.Milliseconds(),
		"failures":                c.Failures,
	})
}

// handleCleanupConfig is spec §6 `GET /cleanup/config`.
func (s *Server) handleCleanupConfig(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":             true,
		"duplicate_threshold": s.Cleanup.DuplicateThreshold,
		"max_age_hours":       s.Cleanup.MaxAge.Hours(),
		"batch_size":          s.Cleanup.BatchSize,
	})
}

// handleCleanupRun is spec §6 `POST /cleanup/run` — explicit trigger, 409
// if a run is already in flight. ?dryRun=true computes the candidate
// actions without mutating anything (SPEC_FULL.md §C.5).
func (s *Server) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeError(w, http.StatusServiceUnavailable, "cleanup is disabled")
		return
	}
	dryRun := r.URL.Query().Get("dryRun") == "true"
	ran, counters, actions, err := s.Cleanup.Run(r.Context(), dryRun)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !ran {
		writeError(w, http.StatusConflict, "cleanup is already running")
		return
	}

	body := map[string]any{
		"success":                 true,
		"dry_run":                 dryRun,
		"duplicates_found":        counters.DuplicatesFound,
		"duplicates_removed":      counters.DuplicatesRemoved,
		"old_logs_removed":        counters.OldLogsRemoved,
		"orphaned_images_removed": counters.OrphanedImagesRemoved,
		"failures":                counters.Failures,
	}
	if dryRun {
		body["actions"] = actions
	}
	writeJSON(w, http.StatusOK, body)
}
