package output

import (
	"encoding/json"
)

// RenderJSON renders any result document (report, probe summary, service
// worker analysis) as indented JSON.
func RenderJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
