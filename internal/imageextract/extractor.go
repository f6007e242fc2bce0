// Package imageextract implements the Image Extractor (spec §4.2 step 3):
// a recursive walk over an admitted issue's context tree that persists
// inline data-URI images to disk and rewrites each field to the filename
// it was saved under.
package imageextract

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/issuesink/issuesink/internal/types"
)

const (
	sentinelTooLarge    = "[Image too large]"
	sentinelBadType     = "[Image type not allowed]"
	sentinelSaveFailed  = "[Image save failed]"
	dataURIPrefix       = "data:image/"
	defaultMaxImageSize = 10 * 1024 * 1024
)

// Extractor walks a Context tree and persists embedded images to Dir,
// enforcing MaxSize and AllowedTypes (spec §4.2 step 3, §6 storage config).
type Extractor struct {
	Dir          string
	MaxSize      int64
	AllowedTypes map[string]bool // extension (no dot), e.g. "png", "jpeg"
}

// New builds an Extractor. maxSize <= 0 falls back to the spec default of
// 10 MiB.
func New(dir string, maxSize int64, allowedTypes []string) *Extractor {
	if maxSize <= 0 {
		maxSize = defaultMaxImageSize
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Extractor{Dir: dir, MaxSize: maxSize, AllowedTypes: allowed}
}

// Extract walks ctx in place, replacing every data-URI image string with
// either its saved filename or a sentinel failure string, and returns the
// context tree plus the list of filenames that were successfully written
// (the Admission Pipeline records these on the issue's Screenshots).
func (e *Extractor) Extract(appID string, issueID types.ID, ctx types.Context) (types.Context, []string, error) {
	if ctx == nil {
		return ctx, nil, nil
	}
	counter := 0
	var written []string

	out, err := e.walk(ctx, appID, issueID, &counter, &written)
	if err != nil {
		return nil, nil, err
	}
	result, ok := out.(types.Context)
	if !ok {
		// walk never changes the root's type away from map[string]any; this
		// branch exists only to satisfy the type system.
		m, _ := out.(map[string]any)
		result = types.Context(m)
	}
	return result, written, nil
}

func (e *Extractor) walk(v any, appID string, issueID types.ID, counter *int, written *[]string) (any, error) {
	switch t := v.(type) {
	case types.Context:
		return e.walkMap(t, appID, issueID, counter, written)
	case map[string]any:
		m, err := e.walkMap(t, appID, issueID, counter, written)
		if err != nil {
			return nil, err
		}
		return map[string]any(m), nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			v, err := e.walk(item, appID, issueID, counter, written)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case string:
		return e.processString(t, appID, issueID, counter, written), nil
	default:
		return t, nil
	}
}

func (e *Extractor) walkMap(m map[string]any, appID string, issueID types.ID, counter *int, written *[]string) (types.Context, error) {
	out := make(types.Context, len(m))
	for k, v := range m {
		nv, err := e.walk(v, appID, issueID, counter, written)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// processString replaces s with a filename or sentinel if it is a
// data-URI image; any other string passes through unchanged.
func (e *Extractor) processString(s string, appID string, issueID types.ID, counter *int, written *[]string) string {
	ext, payload, ok := parseDataURI(s)
	if !ok {
		return s
	}

	if !e.AllowedTypes[ext] {
		return sentinelBadType
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return sentinelBadType
	}
	if int64(len(raw)) > e.MaxSize {
		return sentinelTooLarge
	}

	*counter++
	filename := fmt.Sprintf("%s-img-%s-%d.%s", appID, issueID, *counter, ext)
	if err := e.save(filename, raw); err != nil {
		return sentinelSaveFailed
	}
	*written = append(*written, filename)
	return filename
}

func (e *Extractor) save(filename string, raw []byte) error {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("imageextract: mkdir: %w", err)
	}
	path := filepath.Join(e.Dir, filename)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("imageextract: write %s: %w", filename, err)
	}
	return nil
}

// parseDataURI splits a `data:image/<ext>;base64,<payload>` string into its
// extension and payload. Anything else reports ok=false.
func parseDataURI(s string) (ext, payload string, ok bool) {
	if !strings.HasPrefix(s, dataURIPrefix) {
		return "", "", false
	}
	rest := s[len(dataURIPrefix):]
	semi := strings.IndexByte(rest, ';')
	if semi < 0 {
		return "", "", false
	}
	ext = strings.ToLower(rest[:semi])

	afterSemi := rest[semi+1:]
	const marker = "base64,"
	idx := strings.Index(afterSemi, marker)
	if idx < 0 {
		return "", "", false
	}
	payload = afterSemi[idx+len(marker):]
	if ext == "" || payload == "" {
		return "", "", false
	}
	return ext, payload, true
}
