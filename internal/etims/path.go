package etims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// ExpandPath substitutes {name} segments of a route path with payload values.
// Used keys are removed from the returned payload copy; a missing key is a validation error.
func ExpandPath(operation, path string, payload map[string]interface{}) (string, map[string]interface{}, error) {
	rest := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		rest[k] = v
	}

	var missing string
	expanded := placeholderPattern.ReplaceAllStringFunc(path, func(match string) string {
		key := match[1 : len(match)-1]
		val, ok := rest[key]
		if !ok || val == nil {
			if missing == "" {
				missing = key
			}
			return match
		}
		delete(rest, key)
		return url.PathEscape(fmt.Sprint(val))
	})
	if missing != "" {
		return "", nil, NewValidationError(operation, fmt.Sprintf("missing required placeholder %q in payload", missing))
	}
	return expanded, rest, nil
}

// DecodePayload turns a stored JSON document into a payload map, keeping numbers exact
func DecodePayload(raw []byte) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return payload, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}
