package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/issuesink/issuesink/internal/admission"
	"github.com/issuesink/issuesink/internal/blacklist"
	"github.com/issuesink/issuesink/internal/imageextract"
	"github.com/issuesink/issuesink/internal/lifecycle"
	"github.com/issuesink/issuesink/internal/logging"
	memstore "github.com/issuesink/issuesink/internal/store/storetest"
)

func newTestServer(t *testing.T, apiKey string, embeddingEnabled bool) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	cache := blacklist.New(st, 0, nil)
	extractor := imageextract.New(t.TempDir(), 1<<20, []string{"png"})

	srv := &Server{
		Store:     st,
		Lifecycle: lifecycle.New(st, false),
		Admission: admission.New(st, cache, extractor, embeddingEnabled),
		Blacklist: cache,
		BLManager: blacklist.NewManager(st, cache, false),
		ImagesDir: t.TempDir(),
		APIKey:    apiKey,
		Logger:    logging.New(logging.Config{Level: logging.LevelError}),
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAdmitListCloseScenario(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	resp, body := doJSON(t, "POST", ts.URL+"/log", map[string]any{
		"applicationId": "A", "message": "m1",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admit status = %d: %v", resp.StatusCode, body)
	}
	if body["action"] != "created_new" || body["deduplicated"] != false {
		t.Errorf("body = %v", body)
	}
	logged := body["logged"].(map[string]any)
	if logged["state"] != "open" {
		t.Errorf("state = %v, want open with embedding disabled", logged["state"])
	}
	id := logged["id"].(string)

	resp, body = doJSON(t, "GET", ts.URL+"/log/A", nil, nil)
	if resp.StatusCode != http.StatusOK || body["totalLogs"] != float64(1) {
		t.Errorf("list = %d %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, "DELETE", ts.URL+"/log/A/"+id, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("close status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, "GET", ts.URL+"/log/A/open", nil, nil)
	if resp.StatusCode != http.StatusOK || body["totalLogs"] != float64(0) {
		t.Errorf("open view after close = %v", body)
	}
}

func TestExactDuplicateReopenScenario(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	_, body := doJSON(t, "POST", ts.URL+"/log", map[string]any{"applicationId": "A", "message": "m1"}, nil)
	id := body["logged"].(map[string]any)["id"].(string)

	resp, _ := doJSON(t, "PATCH", ts.URL+"/log/A/"+id+"/in-progress", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("in-progress = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, "PUT", ts.URL+"/log/A/"+id, map[string]any{"message": "fixed"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("done = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, "POST", ts.URL+"/log", map[string]any{"applicationId": "A", "message": "m1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-admit = %d", resp.StatusCode)
	}
	if body["deduplicated"] != true || body["action"] != "reopened_existing" {
		t.Errorf("body = %v", body)
	}
	logged := body["logged"].(map[string]any)
	if logged["id"] != id || logged["reopenCount"] != float64(1) || logged["state"] != "open" {
		t.Errorf("logged = %v", logged)
	}
}

func TestBlacklistBlockScenario(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	resp, _ := doJSON(t, "POST", ts.URL+"/blacklist", map[string]any{
		"pattern": "spam", "patternType": "substring",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create pattern = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, "POST", ts.URL+"/log", map[string]any{
		"applicationId": "A", "message": "This is spam",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blocked admit = %d, want 403", resp.StatusCode)
	}
	if body["pattern"] != "spam" {
		t.Errorf("body = %v", body)
	}

	// duplicate pattern is a 409
	resp, _ = doJSON(t, "POST", ts.URL+"/blacklist", map[string]any{
		"pattern": "spam", "patternType": "substring",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate pattern = %d, want 409", resp.StatusCode)
	}
}

func TestInvalidTransitionScenario(t *testing.T) {
	ts, _ := newTestServer(t, "", true) // embedding on: new issues start pending

	_, body := doJSON(t, "POST", ts.URL+"/log", map[string]any{"applicationId": "A", "message": "m1"}, nil)
	logged := body["logged"].(map[string]any)
	if logged["state"] != "pending" {
		t.Fatalf("state = %v, want pending with embedding enabled", logged["state"])
	}
	id := logged["id"].(string)

	resp, errBody := doJSON(t, "PATCH", ts.URL+"/log/A/"+id+"/in-progress", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("pending -> in_progress = %d, want 400", resp.StatusCode)
	}
	if errBody["error"] == "" {
		t.Error("error body missing")
	}
}

func TestValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	for _, payload := range []map[string]any{
		{"message": "no app"},
		{"applicationId": "A"},
	} {
		resp, _ := doJSON(t, "POST", ts.URL+"/log", payload, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("payload %v = %d, want 400", payload, resp.StatusCode)
		}
	}

	resp, _ := doJSON(t, "PATCH", ts.URL+fmt.Sprintf("/log/A/%s/in-progress", "does-not-exist"), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown issue = %d, want 404", resp.StatusCode)
	}
}

func TestAuthRequiredExceptHealthAndOpenAPI(t *testing.T) {
	ts, _ := newTestServer(t, "sekrit", false)

	resp, _ := doJSON(t, "GET", ts.URL+"/log/A", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/log/A", nil, map[string]string{"X-API-Key": "sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("X-API-Key = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/log/A", nil, map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Bearer = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/log/A", nil, map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", resp.StatusCode)
	}

	for _, path := range []string{"/health", "/openapi.json"} {
		resp, _ = doJSON(t, "GET", ts.URL+path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s without key = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestBlacklistTestMatchesAdmissionBehavior(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	doJSON(t, "POST", ts.URL+"/blacklist", map[string]any{"pattern": "noise", "patternType": "substring"}, nil)

	_, body := doJSON(t, "POST", ts.URL+"/blacklist/test", map[string]any{
		"applicationId": "A", "message": "pure noise here",
	}, nil)
	if body["isBlacklisted"] != true {
		t.Fatalf("test probe = %v, want blacklisted", body)
	}

	resp, _ := doJSON(t, "POST", ts.URL+"/log", map[string]any{"applicationId": "A", "message": "pure noise here"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("admission = %d, want 403 consistent with test probe", resp.StatusCode)
	}
}

func TestDisabledWorkersReportState(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	_, body := doJSON(t, "GET", ts.URL+"/embedding/status", nil, nil)
	if body["enabled"] != false {
		t.Errorf("embedding status = %v", body)
	}

	resp, _ := doJSON(t, "POST", ts.URL+"/embedding/process", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("process while disabled = %d, want 503", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/cleanup/run", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("cleanup while disabled = %d, want 503", resp.StatusCode)
	}
}
