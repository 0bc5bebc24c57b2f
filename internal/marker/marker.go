// Package marker extracts machine-readable VOTE: and TOOL_REQUEST: markers
// embedded in otherwise free-form model response text.
package marker

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaigi-labs/kaigi/internal/model"
)

// Warning is a structured, non-fatal parse failure recorded for observability.
type Warning struct {
	Kind   string // "vote" or "tool_request"
	Reason string
	Raw    string
}

// voteRe and toolRequestRe match only the marker prefix: the literal
// keyword, optional whitespace and backticks, up to the opening brace.
// The object itself is cut out by extractBalancedObject, a string-aware
// brace-depth scan, which is what lets nested braces in
// rationale/argument strings through; the span is then validated with
// json.Unmarshal.
var (
	voteRe        = regexp.MustCompile(`VOTE:\s*` + "`" + `*\s*(\{)`)
	toolRequestRe = regexp.MustCompile(`TOOL_REQUEST:\s*` + "`" + `*\s*(\{)`)
)

// ParseVotes scans text for the last well-formed VOTE: marker. Returns nil
// if no well-formed object is found. Confidence is clamped to [0,1];
// continue_debate defaults to true when absent.
func ParseVotes(text string) (*model.Vote, *Warning) {
	matches := voteRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	// Scan from the last match backwards so the *last* well-formed marker wins.
	for i := len(matches) - 1; i >= 0; i-- {
		braceStart := matches[i][1] - 1
		obj, ok := extractBalancedObject(text, braceStart)
		if !ok {
			continue
		}
		var raw struct {
			Option         string   `json:"option"`
			Confidence     *float64 `json:"confidence"`
			Rationale      string   `json:"rationale"`
			ContinueDebate *bool    `json:"continue_debate"`
		}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			continue
		}
		option := strings.TrimSpace(raw.Option)
		if option == "" || raw.Confidence == nil {
			continue
		}
		v := model.Vote{
			Option:         option,
			Confidence:     clamp01(*raw.Confidence),
			Rationale:      raw.Rationale,
			ContinueDebate: true,
		}
		if raw.ContinueDebate != nil {
			v.ContinueDebate = *raw.ContinueDebate
		}
		return &v, nil
	}
	return nil, &Warning{Kind: "vote", Reason: "no well-formed VOTE object found", Raw: text}
}

// ParseToolRequests scans text for every well-formed TOOL_REQUEST: marker,
// preserving document order. Malformed entries are skipped with a recorded
// warning rather than aborting the scan.
func ParseToolRequests(text string) ([]model.ToolRequest, []Warning) {
	matches := toolRequestRe.FindAllStringIndex(text, -1)
	var requests []model.ToolRequest
	var warnings []Warning

	for _, m := range matches {
		braceStart := m[1] - 1
		obj, ok := extractBalancedObject(text, braceStart)
		if !ok {
			warnings = append(warnings, Warning{Kind: "tool_request", Reason: "unbalanced JSON object", Raw: text[braceStart:min(len(text), braceStart+80)]})
			continue
		}
		var raw struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			warnings = append(warnings, Warning{Kind: "tool_request", Reason: err.Error(), Raw: obj})
			continue
		}
		name := model.ToolName(raw.Name)
		switch name {
		case model.ToolReadFile, model.ToolSearchCode, model.ToolListFiles, model.ToolRunCommand:
		default:
			warnings = append(warnings, Warning{Kind: "tool_request", Reason: "unknown tool name: " + raw.Name, Raw: obj})
			continue
		}
		requests = append(requests, model.ToolRequest{Name: name, Arguments: raw.Arguments})
	}
	return requests, warnings
}

// extractBalancedObject returns the substring of text starting at the '{'
// index openIdx through its matching '}', tolerating braces nested inside
// JSON string values. ok is false if no matching close brace is found.
func extractBalancedObject(text string, openIdx int) (string, bool) {
	if openIdx >= len(text) || text[openIdx] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := openIdx; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[openIdx : i+1], true
			}
		}
	}
	return "", false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
