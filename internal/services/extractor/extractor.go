package extractor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Extract recovers the structured completion payload from raw pod
// output. The output interleaves curl transfer-progress lines, which
// overwrite themselves with carriage returns, with a final JSON line
// from the completion endpoint. Malformed output is expected and
// degrades to the best available text; Extract never fails.
func Extract(raw string) (prompt string, result string) {
	if raw == "" {
		return "", ""
	}

	clean := stripProgress(raw)
	if clean == "" || !gjson.Valid(clean) {
		return "", raw
	}

	prompt = gjson.Get(clean, "prompt").String()
	result = strings.TrimSpace(gjson.Get(clean, "content").String())
	if result == "" {
		result = clean
	}

	return prompt, result
}

// stripProgress keeps only lines that look like JSON. For a line
// containing carriage returns, only the text after the last one is the
// line's final state; everything before it is overwritten progress.
func stripProgress(raw string) string {
	var kept []string

	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, "\r") {
			parts := strings.Split(line, "\r")
			last := strings.TrimSpace(parts[len(parts)-1])
			if strings.HasPrefix(last, "{") {
				kept = append(kept, last)
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") {
			kept = append(kept, trimmed)
		}
	}

	return strings.Join(kept, "\n")
}
