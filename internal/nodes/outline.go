package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fable/internal/decide"
	fableerrors "fable/internal/errors"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/reason"
	"fable/internal/utils"
	"fable/pkg/types"
)

const outlineTool = "outline"

// OutlineNode plans the story structure. The outline service is the primary
// planner; when it is not configured or fails after retries the node asks the
// reasoner directly, and if that fails too it degrades to a single-section
// plan so the writing step always has something to work on.
type OutlineNode struct {
	tools    *mcp.Client
	endpoint string
	policy   fableerrors.RetryConfig
	timeout  time.Duration
	reasoner reason.Client
	reporter ProgressReporter
	logger   *utils.Logger
}

func NewOutlineNode(tools *mcp.Client, endpoint string, policy fableerrors.RetryConfig, timeout time.Duration, reasoner reason.Client, reporter ProgressReporter) *OutlineNode {
	return &OutlineNode{
		tools:    tools,
		endpoint: endpoint,
		policy:   policy,
		timeout:  timeout,
		reasoner: reasoner,
		reporter: reporter,
		logger:   utils.NewComponentLogger("Outline"),
	}
}

func (n *OutlineNode) Name() string { return "outline" }

type outlineInput struct {
	goal    string
	results []types.SearchResult
}

func (n *OutlineNode) Prep(ctx context.Context, st *flow.State) (any, error) {
	goal := st.GetString(decide.KeyGoal)
	if goal == "" {
		return nil, fmt.Errorf("required state key %q is missing", decide.KeyGoal)
	}
	results, _ := flow.Value[[]types.SearchResult](st, KeySearchResults)
	n.reporter.Progress(progressOutlining, "planning the outline")
	return outlineInput{goal: goal, results: results}, nil
}

func (n *OutlineNode) Exec(ctx context.Context, prepared any) (any, error) {
	in := prepared.(outlineInput)

	if n.endpoint != "" {
		outline, err := n.fromService(ctx, in)
		if err == nil {
			return outline, nil
		}
		n.logger.Warn("outline service failed, asking the reasoner: %v", err)
	}
	return n.fromReasoner(ctx, in), nil
}

func (n *OutlineNode) fromService(ctx context.Context, in outlineInput) (types.Outline, error) {
	params := map[string]any{"goal": in.goal}
	if len(in.results) > 0 {
		params["context"] = researchContext(in.results)
	}
	result, err := n.tools.InvokeWithRetry(ctx, n.endpoint, outlineTool, params, n.timeout, n.policy)
	if err != nil {
		return types.Outline{}, err
	}
	return outlineFromPayload(result)
}

func (n *OutlineNode) fromReasoner(ctx context.Context, in outlineInput) types.Outline {
	reply, err := n.reasoner.Decide(ctx, outlinePrompt(in.goal, in.results))
	if err != nil {
		n.logger.Warn("reasoner unavailable for outlining, using single-section fallback: %v", err)
		return fallbackOutline()
	}

	var outline types.Outline
	if err := decide.ParseInto(reply, &outline); err != nil {
		n.logger.Warn("outline reply rejected (%v), using single-section fallback", err)
		return fallbackOutline()
	}
	if err := outline.Validate(); err != nil {
		n.logger.Warn("outline invalid (%v), using single-section fallback", err)
		return fallbackOutline()
	}
	outline.SectionIDs()
	return outline
}

func (n *OutlineNode) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	outline := result.(types.Outline)
	st.Set(KeyOutline, outline)
	st.SetLastOutcome(fmt.Sprintf("outline %q with %d sections", outline.Title, len(outline.Sections)))

	if artifact, err := types.JSONArtifact(outline); err == nil {
		n.reporter.Progress(progressOutlined, "outline ready", artifact)
	} else {
		n.reporter.Progress(progressOutlined, "outline ready")
	}
	return flow.LabelDecide, nil
}

// outlineFromPayload accepts either a structured outline or a content blob
// holding outline JSON.
func outlineFromPayload(payload map[string]any) (types.Outline, error) {
	var outline types.Outline
	if content, ok := payload["content"].(string); ok {
		if err := decide.ParseInto(content, &outline); err != nil {
			return types.Outline{}, fmt.Errorf("decode outline content: %w", err)
		}
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return types.Outline{}, fmt.Errorf("re-encode outline: %w", err)
		}
		if err := json.Unmarshal(data, &outline); err != nil {
			return types.Outline{}, fmt.Errorf("decode outline: %w", err)
		}
	}
	if err := outline.Validate(); err != nil {
		return types.Outline{}, err
	}
	outline.SectionIDs()
	return outline, nil
}

func researchContext(results []types.SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, "\n")
}

func outlinePrompt(goal string, results []types.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan a short story for this goal: %s\n\n", goal)
	if len(results) > 0 {
		b.WriteString("Background material:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", r.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply with one fenced JSON block:\n")
	b.WriteString("```json\n")
	b.WriteString(`{"title": "...", "sections": [{"id": "s1", "title": "...", "brief": "..."}]}`)
	b.WriteString("\n```\n")
	return b.String()
}

func fallbackOutline() types.Outline {
	return types.Outline{
		Title: "Untitled story",
		Sections: []types.Section{
			{ID: "section1", Title: "The story", Brief: "Tell the whole story in one pass."},
		},
	}
}
