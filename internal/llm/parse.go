package llm

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// StructuredResponse is the normalised shape extracted from model
// output.
type StructuredResponse struct {
	Rating     string  `json:"rating"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// maxSummaryLen caps the extracted summary.
const maxSummaryLen = 1000

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
var inlineJSON = regexp.MustCompile(`(?s)\{[^{}]*"rating"[^{}]*\}`)

// ParseStructuredResponse extracts a rating object from model text. It
// tries, in order: direct JSON parse of the stripped text, the first
// fenced json block, the first inline object mentioning "rating".
// Returns nil when nothing parses or validates.
func ParseStructuredResponse(text string) *StructuredResponse {
	trimmed := strings.TrimSpace(text)

	if parsed := tryParse(trimmed); parsed != nil {
		return parsed
	}
	if m := fencedJSON.FindStringSubmatch(trimmed); len(m) == 2 {
		if parsed := tryParse(m[1]); parsed != nil {
			return parsed
		}
	}
	if m := inlineJSON.FindString(trimmed); m != "" {
		if parsed := tryParse(m); parsed != nil {
			return parsed
		}
	}
	return nil
}

// tryParse decodes and validates one candidate JSON object.
func tryParse(candidate string) *StructuredResponse {
	var raw struct {
		Rating     string   `json:"rating"`
		Score      *float64 `json:"score"`
		Confidence *float64 `json:"confidence"`
		Summary    string   `json:"summary"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return nil
	}

	rating := strings.ToUpper(strings.TrimSpace(raw.Rating))
	switch rating {
	case "BUY", "HOLD", "SELL":
	default:
		return nil
	}

	resp := &StructuredResponse{Rating: rating}
	if raw.Score != nil {
		resp.Score = clamp(*raw.Score, 0, 100)
	}
	if raw.Confidence != nil {
		resp.Confidence = clamp(*raw.Confidence, 0, 100)
	}
	resp.Summary = truncate(raw.Summary, maxSummaryLen)
	return resp
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
