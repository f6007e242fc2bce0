package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/issuesink/issuesink/internal/admission"
	"github.com/issuesink/issuesink/internal/lifecycle"
	"github.com/issuesink/issuesink/internal/types"
)

type logCreateRequest struct {
	ApplicationID string          `json:"applicationId"`
	Message       string          `json:"message"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Context       types.Context   `json:"context,omitempty"`
	Type          types.IssueType `json:"type,omitempty"`
	Effort        types.Effort    `json:"effort,omitempty"`
	Plan          string         `json:"plan,omitempty"`
	LLMOutput     string         `json:"llmOutput,omitempty"`
}

// handleLogCreate is spec §6 `POST /log` — admit.
func (s *Server) handleLogCreate(w http.ResponseWriter, r *http.Request) {
	var req logCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	in := admission.Input{
		ApplicationID: req.ApplicationID,
		Message:       req.Message,
		Context:       req.Context,
		Type:          req.Type,
		Effort:        req.Effort,
		Plan:          req.Plan,
		LLMOutput:     req.LLMOutput,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	result, err := s.Admission.Admit(r.Context(), in)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"logged":       result.Issue,
		"deduplicated": result.Deduplicated,
		"action":       result.Action,
	})
}

// handleLogListAll is spec §6 `GET /log/:app`.
func (s *Server) handleLogListAll(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	issues, err := s.Store.ListAll(r.Context(), app)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": app,
		"totalLogs":     len(issues),
		"logs":          issues,
	})
}

// handleLogListState is spec §6 `GET /log/:app/{open|pending|in-progress|done}`.
func (s *Server) handleLogListState(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	state := r.PathValue("state")

	var issues []*types.Issue
	var err error
	switch state {
	case "open":
		issues, err = s.Store.ListOpenView(r.Context(), app)
	case "pending":
		issues, err = s.Store.ListByState(r.Context(), app, types.StatusPending)
	case "in-progress":
		issues, err = s.Store.ListByState(r.Context(), app, types.StatusInProgress)
	case "done":
		issues, err = s.Store.ListByState(r.Context(), app, types.StatusDone)
	default:
		writeError(w, http.StatusBadRequest, "unknown state filter: "+state)
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": app,
		"totalLogs":     len(issues),
		"logs":          issues,
	})
}

// handleLogGet is SPEC_FULL.md §C.1 `GET /log/:app/id/:id`.
func (s *Server) handleLogGet(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	id := types.ID(r.PathValue("id"))
	issue, err := s.Store.GetIssue(r.Context(), app, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// handleScreenshots is SPEC_FULL.md §C.3.
func (s *Server) handleScreenshots(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	id := types.ID(r.PathValue("id"))
	issue, err := s.Store.GetIssue(r.Context(), app, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"screenshots": issue.Screenshots})
}

// handleLogStatistics is spec §6 `GET /log/:app/statistics`.
func (s *Server) handleLogStatistics(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	counts, err := s.Store.CountByState(r.Context(), app)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applicationId": app, "counts": counts})
}

// handleImage is spec §6 `GET /log/:app/img/:filename`.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	filename := r.PathValue("filename")
	if !strings.HasPrefix(filename, app+"-img-") || strings.ContainsAny(filename, "/\\") {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	path := filepath.Join(s.ImagesDir, filename)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	defer f.Close()
	http.ServeContent(w, r, filename, time.Time{}, f)
}

// handleInProgress is spec §6 `PATCH /log/:app/:id/in-progress`.
func (s *Server) handleInProgress(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	issue, err := s.Lifecycle.StartProgress(r.Context(), app, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": issue.State})
}

type setDoneRequest struct {
	Message    *string        `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	GitCommit  string         `json:"git_commit,omitempty"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

// handleSetDone is spec §6 `PUT /log/:app/:id`.
func (s *Server) handleSetDone(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	var req setDoneRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	issue, err := s.Lifecycle.SetDone(r.Context(), app, id, lifecycle.DoneInput{
		Message:    req.Message,
		LLMMessage: req.Error,
		GitCommit:  req.GitCommit,
		Statistics: req.Statistics,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": issue.State})
}

type revertRequest struct {
	RevertReason string `json:"revertReason,omitempty"`
}

// handleRevert is spec §6 `PATCH /log/:app/:id/revert`.
func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	var req revertRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	issue, err := s.Lifecycle.Revert(r.Context(), app, id, req.RevertReason)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": issue.State})
}

type reopenRequest struct {
	RejectReason string `json:"rejectReason,omitempty"`
}

// handleReopenReject is spec §6 `POST /log/:app/:id` — forced reopen.
func (s *Server) handleReopenReject(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	var req reopenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	issue, err := s.Lifecycle.ReopenReject(r.Context(), app, id, req.RejectReason)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": issue.State})
}

// handleClose is spec §6 `DELETE /log/:app/:id` — close (screenshots GC'd).
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	_, shots, err := s.Lifecycle.Close(r.Context(), app, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.deleteImages(shots)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": types.StatusClosed})
}

// handlePurgeAll is spec §6 `DELETE /log/:app`.
func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	shots, err := s.Store.PurgeApplication(r.Context(), app)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.deleteImages(shots)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "purged": len(shots)})
}

// handlePurgeClosed is spec §6 `DELETE /log/:app/closed`.
func (s *Server) handlePurgeClosed(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	shots, err := s.Store.PurgeClosed(r.Context(), app)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.deleteImages(shots)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "purged": len(shots)})
}

type setPlanRequest struct {
	Plan string `json:"plan"`
}

// handleSetPlan is spec §6 `PATCH /log/:app/:id/plan`.
func (s *Server) handleSetPlan(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	var req setPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	issue, err := s.Lifecycle.SetPlan(r.Context(), app, id, req.Plan)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": issue.Plan, "state": issue.State})
}

type setIssueFieldsRequest struct {
	Type      *types.IssueType `json:"type,omitempty"`
	Effort    *types.Effort    `json:"effort,omitempty"`
	LLMOutput *string          `json:"llmOutput,omitempty"`
}

// handleSetIssueFields is spec §6 `PATCH /log/:app/:id/issue-fields`.
func (s *Server) handleSetIssueFields(w http.ResponseWriter, r *http.Request) {
	app, id := r.PathValue("app"), types.ID(r.PathValue("id"))
	var req setIssueFieldsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	issue, err := s.Lifecycle.SetIssueFields(r.Context(), app, id, lifecycle.IssueFields{
		Type:      req.Type,
		Effort:    req.Effort,
		LLMOutput: req.LLMOutput,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) deleteImages(names []string) {
	for _, n := range names {
		if err := os.Remove(filepath.Join(s.ImagesDir, n)); err != nil && !os.IsNotExist(err) {
			s.Logger.Warnf("delete image %s: %v", n, err)
		}
	}
}
