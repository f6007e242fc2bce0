package embedworker

import "encoding/json"

// prettyContext renders a Context as indented JSON for the embedding
// input (spec §4.4 step 2a "pretty-printed context"). Falls back to an
// empty object on marshal failure rather than erroring the whole tick.
func prettyContext(c map[string]any) string {
	if len(c) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
