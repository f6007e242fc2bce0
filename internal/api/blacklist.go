package api

import (
	"net/http"
	"strconv"

	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/types"
)

// handleBlacklistList is spec §6 `GET /blacklist[?applicationId]`.
func (s *Server) handleBlacklistList(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("applicationId")
	var patterns []*types.BlacklistPattern
	var err error
	if app == "" {
		patterns, err = s.Store.AllBlacklist(r.Context())
	} else {
		patterns, err = s.Store.ListBlacklist(r.Context(), app)
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

// handleBlacklistGet is SPEC_FULL.md §C.2 `GET /blacklist/:id`.
func (s *Server) handleBlacklistGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseBlacklistID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.Store.GetBlacklist(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type blacklistWriteRequest struct {
	ID            int64             `json:"id,omitempty"`
	Pattern       string            `json:"pattern"`
	PatternType   types.PatternType `json:"patternType"`
	ApplicationID *string           `json:"applicationId,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// handleBlacklistCreate is spec §6 `POST /blacklist`.
func (s *Server) handleBlacklistCreate(w http.ResponseWriter, r *http.Request) {
	var req blacklistWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Pattern == "" || !req.PatternType.IsValid() {
		writeError(w, http.StatusBadRequest, "pattern and a valid patternType are required")
		return
	}
	created, err := s.BLManager.Create(r.Context(), &types.BlacklistPattern{
		Pattern:       req.Pattern,
		PatternType:   req.PatternType,
		ApplicationID: req.ApplicationID,
		Reason:        req.Reason,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleBlacklistUpdate is spec §6 `PUT /blacklist/:id`.
func (s *Server) handleBlacklistUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseBlacklistID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req blacklistWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	updated, err := s.BLManager.Update(r.Context(), &types.BlacklistPattern{
		ID:            id,
		Pattern:       req.Pattern,
		PatternType:   req.PatternType,
		ApplicationID: req.ApplicationID,
		Reason:        req.Reason,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleBlacklistDelete is spec §6 `DELETE /blacklist/:id`.
func (s *Server) handleBlacklistDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseBlacklistID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.BLManager.Delete(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleBlacklistClear is spec §6 `DELETE /blacklist`.
func (s *Server) handleBlacklistClear(w http.ResponseWriter, r *http.Request) {
	if err := s.BLManager.Clear(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type blacklistTestRequest struct {
	ApplicationID string `json:"applicationId"`
	Message       string `json:"message"`
}

// handleBlacklistTest is spec §6 `POST /blacklist/test`.
func (s *Server) handleBlacklistTest(w http.ResponseWriter, r *http.Request) {
	var req blacklistTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	match, err := s.Blacklist.Check(r.Context(), req.ApplicationID, req.Message)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if match == nil {
		writeJSON(w, http.StatusOK, map[string]any{"isBlacklisted": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isBlacklisted": true,
		"pattern": match.Pattern.Pattern,
		"reason":  match.Reason,
	})
}

// handleBlacklistRefresh is spec §6 `POST /blacklist/refresh`.
func (s *Server) handleBlacklistRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.Blacklist.Refresh(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleBlacklistStatistics is spec §6 `GET /blacklist/statistics`.
func (s *Server) handleBlacklistStatistics(w http.ResponseWriter, r *http.Request) {
	all, err := s.Store.AllBlacklist(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	byType := make(map[types.PatternType]int)
	global, scoped := 0, 0
	for _, p := range all {
		byType[p.PatternType]++
		if p.IsGlobal() {
			global++
		} else {
			scoped++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  len(all),
		"byType": byType,
		"global": global,
		"scoped": scoped,
	})
}

func parseBlacklistID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, issuesink.ErrInvalidInput
	}
	return id, nil
}
