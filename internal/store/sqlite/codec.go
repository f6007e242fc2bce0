package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/issuesink/issuesink/internal/types"
)

func encodeContext(c types.Context) (string, error) {
	if c == nil {
		c = types.Context{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeContext(s string) (types.Context, error) {
	if s == "" {
		return types.Context{}, nil
	}
	var c types.Context
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, err
	}
	if c == nil {
		c = types.Context{}
	}
	return c, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeStatistics(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeStatistics(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// encodeVector packs a float32 vector as little-endian bytes. A BLOB column
// is used instead of JSON text so cosine-similarity scans (vector.go) avoid
// re-parsing JSON for every candidate row.
func encodeVector(v types.Vector) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) types.Vector {
	if len(b) == 0 {
		return nil
	}
	v := make(types.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func dedupKey(appID, message, contextMessage string) string {
	key := appID + "\x00" + message
	if contextMessage != "" {
		key += "\x00" + contextMessage
	}
	return key
}

func contextMessage(c types.Context) string {
	if c == nil {
		return ""
	}
	if m, ok := c["message"].(string); ok {
		return m
	}
	return ""
}
