package decide

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Actions the reasoner may choose. Each maps to a transition label out of the
// decision node; ActionFinish ends the run.
const (
	ActionSearch  = "search"
	ActionOutline = "outline"
	ActionWrite   = "write"
	ActionEdit    = "edit"
	ActionTool    = "tool"
	ActionFinish  = "finish"
)

// State keys the decision loop reads and writes.
const (
	KeyGoal         = "goal"
	KeyTools        = "available_tools"
	KeyDecision     = "decision"
	KeyParseFailure = "decision_parse_failure"
)

// Decision is the validated outcome of one reasoning step. It is only ever
// constructed from model output that passed validation; callers never see a
// partially filled decision.
type Decision struct {
	Action    string         `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Service   string         `json:"service,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

var knownActions = map[string]bool{
	ActionSearch:  true,
	ActionOutline: true,
	ActionWrite:   true,
	ActionEdit:    true,
	ActionTool:    true,
	ActionFinish:  true,
}

// Parse extracts the decision block from raw model output and validates it.
// Malformed JSON is run through jsonrepair before giving up. Any failure
// returns a zero Decision and an error describing what was wrong, so the
// caller can feed the diagnostic back into the next prompt.
func Parse(text string) (Decision, error) {
	var d Decision
	if err := ParseInto(text, &d); err != nil {
		return Decision{}, err
	}

	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	if d.Action == "" {
		return Decision{}, fmt.Errorf("decision is missing the action field")
	}
	if !knownActions[d.Action] {
		return Decision{}, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Action == ActionTool && d.Tool == "" {
		return Decision{}, fmt.Errorf("action %q requires a tool name", ActionTool)
	}
	return d, nil
}

// ParseInto extracts the first JSON block from model output and decodes it
// into v, repairing sloppy JSON when plain decoding fails.
func ParseInto(text string, v any) error {
	block := extractBlock(text)
	if block == "" {
		return fmt.Errorf("no JSON object found in reply")
	}
	if err := json.Unmarshal([]byte(block), v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(block)
		if repairErr != nil {
			return fmt.Errorf("unparseable JSON block: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), v); err != nil {
			return fmt.Errorf("JSON block invalid after repair: %w", err)
		}
	}
	return nil
}

// extractBlock returns the JSON payload of the first fenced code block, or
// the first balanced top-level object when the model skipped the fence.
func extractBlock(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			// Drop the language tag line ("json", "yaml", or empty).
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return strings.TrimSpace(text[start:])
}
