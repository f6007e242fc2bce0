package api

import "net/http"

// handleHealth is spec §6 `GET /health` — unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleOpenAPI is spec §6 `GET /openapi.json` — the unauthenticated,
// machine-readable API description workers use to discover the surface.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, openAPIDocument)
}

func op(summary string) map[string]any {
	return map[string]any{
		"summary":   summary,
		"responses": map[string]any{"200": map[string]any{"description": "success"}},
	}
}

var openAPIDocument = map[string]any{
	"openapi": "3.0.3",
	"info": map[string]any{
		"title":       "issuesink",
		"description": "Issue-sink service: admits, deduplicates, and progresses application issues through a workflow state machine.",
		"version":     "1.0.0",
	},
	"components": map[string]any{
		"securitySchemes": map[string]any{
			"apiKey": map[string]any{"type": "apiKey", "in": "header", "name": "X-API-Key"},
			"bearer": map[string]any{"type": "http", "scheme": "bearer"},
		},
	},
	"security": []any{
		map[string]any{"apiKey": []any{}},
		map[string]any{"bearer": []any{}},
	},
	"paths": map[string]any{
		"/health":       map[string]any{"get": op("Liveness probe (unauthenticated)")},
		"/openapi.json": map[string]any{"get": op("This document (unauthenticated)")},

		"/log": map[string]any{"post": op("Admit an issue: blacklist-check, extract images, dedup, persist")},
		"/log/{app}": map[string]any{
			"get":    op("List all issues for an application, descending timestamp"),
			"delete": op("Purge every issue for an application"),
		},
		"/log/{app}/{state}":    map[string]any{"get": op("List issues by state: open (includes revert, revert first), pending, in-progress, done")},
		"/log/{app}/closed":     map[string]any{"delete": op("Purge only closed issues")},
		"/log/{app}/statistics": map[string]any{"get": op("Issue counts grouped by state")},
		"/log/{app}/img/{filename}": map[string]any{
			"get": op("Stream a screenshot; filename must start with <app>-img-"),
		},
		"/log/{app}/id/{id}":             map[string]any{"get": op("Fetch a single issue")},
		"/log/{app}/id/{id}/screenshots": map[string]any{"get": op("List an issue's screenshot filenames")},
		"/log/{app}/{id}": map[string]any{
			"put":    op("Mark done: sets completed_at, llm message, git commit, statistics"),
			"post":   op("Forced reopen; rejectReason merged into context"),
			"delete": op("Close the issue; its screenshots are garbage-collected"),
		},
		"/log/{app}/{id}/in-progress":  map[string]any{"patch": op("Start progress: open or revert to in_progress")},
		"/log/{app}/{id}/revert":       map[string]any{"patch": op("Revert: done to revert, with optional revertReason")},
		"/log/{app}/{id}/plan":         map[string]any{"patch": op("Set the issue's plan")},
		"/log/{app}/{id}/issue-fields": map[string]any{"patch": op("Partial update of type, effort, llmOutput")},

		"/blacklist": map[string]any{
			"get":    op("List patterns, optionally filtered by ?applicationId"),
			"post":   op("Create a pattern; 409 on duplicate (pattern, applicationId)"),
			"delete": op("Remove every pattern"),
		},
		"/blacklist/{id}": map[string]any{
			"get":    op("Fetch a single pattern"),
			"put":    op("Update a pattern"),
			"delete": op("Delete a pattern"),
		},
		"/blacklist/test":       map[string]any{"post": op("Probe whether a message would be blocked")},
		"/blacklist/statistics": map[string]any{"get": op("Pattern counts by scope and type")},
		"/blacklist/refresh":    map[string]any{"post": op("Force a cache rebuild from the store")},

		"/cleanup/status": map[string]any{"get": op("Counters from the last cleanup run")},
		"/cleanup/config": map[string]any{"get": op("Effective cleanup thresholds")},
		"/cleanup/run":    map[string]any{"post": op("Trigger a cleanup run; 409 if busy; ?dryRun=true previews actions")},

		"/embedding/status":             map[string]any{"get": op("Worker counters and in-flight claim set")},
		"/embedding/pending":            map[string]any{"get": op("Issues awaiting embedding")},
		"/embedding/process":            map[string]any{"post": op("Force an embedding tick; 409 if busy")},
		"/embedding/process/{logId}":    map[string]any{"post": op("Embed a single pending issue on demand")},
		"/embedding/similar/{app}/{id}": map[string]any{"get": op("Nearest neighbors of an issue by cosine similarity")},
		"/embedding/search/{app}":       map[string]any{"post": op("Free-text similarity search over an application's issues")},
	},
}
