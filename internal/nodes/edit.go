package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"fable/internal/decide"
	fableerrors "fable/internal/errors"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/reason"
	"fable/internal/utils"
	"fable/pkg/types"
)

const editTool = "editing"

// EditNode polishes the assembled draft and collects follow-up suggestions.
// The editing service is the primary editor; the reasoner steps in when it is
// missing or fails after retries. When both fail the draft passes through
// unchanged; editing is an improvement step, never a gate.
type EditNode struct {
	tools    *mcp.Client
	endpoint string
	policy   fableerrors.RetryConfig
	timeout  time.Duration
	reasoner reason.Client
	reporter ProgressReporter
	logger   *utils.Logger
}

func NewEditNode(tools *mcp.Client, endpoint string, policy fableerrors.RetryConfig, timeout time.Duration, reasoner reason.Client, reporter ProgressReporter) *EditNode {
	return &EditNode{
		tools:    tools,
		endpoint: endpoint,
		policy:   policy,
		timeout:  timeout,
		reasoner: reasoner,
		reporter: reporter,
		logger:   utils.NewComponentLogger("Edit"),
	}
}

func (n *EditNode) Name() string { return "edit" }

type editResult struct {
	Content     string   `json:"content"`
	Suggestions []string `json:"suggestions"`
}

func (n *EditNode) Prep(ctx context.Context, st *flow.State) (any, error) {
	story, ok := flow.Value[*types.Story](st, KeyStory)
	if !ok || story.Content == "" {
		return nil, fmt.Errorf("no drafted story in state; run the write step first")
	}
	n.reporter.Progress(progressEditing, "editing the draft")
	return story, nil
}

func (n *EditNode) Exec(ctx context.Context, prepared any) (any, error) {
	story := prepared.(*types.Story)

	if n.endpoint != "" {
		res, err := n.fromService(ctx, story)
		if err == nil {
			return res, nil
		}
		n.logger.Warn("editing service failed, asking the reasoner: %v", err)
	}
	return n.fromReasoner(ctx, story), nil
}

func (n *EditNode) fromService(ctx context.Context, story *types.Story) (editResult, error) {
	params := map[string]any{"content": story.Content, "title": story.Title}
	payload, err := n.tools.InvokeWithRetry(ctx, n.endpoint, editTool, params, n.timeout, n.policy)
	if err != nil {
		return editResult{}, err
	}

	var res editResult
	if content, ok := payload["content"].(string); ok && content != "" {
		res.Content = content
	}
	if raw, ok := payload["suggestions"].([]any); ok {
		for _, s := range raw {
			if text, ok := s.(string); ok {
				res.Suggestions = append(res.Suggestions, text)
			}
		}
	}
	if res.Content == "" {
		return editResult{}, fmt.Errorf("edit result has no content")
	}
	return res, nil
}

func (n *EditNode) fromReasoner(ctx context.Context, story *types.Story) editResult {
	var b strings.Builder
	fmt.Fprintf(&b, "Edit this story for flow, consistency and grammar. Keep the section structure.\n\n%s\n\n", story.Content)
	b.WriteString("Reply with one fenced JSON block:\n")
	b.WriteString("```json\n")
	b.WriteString(`{"content": "the full edited story", "suggestions": ["further improvement ideas"]}`)
	b.WriteString("\n```\n")

	reply, err := n.reasoner.Decide(ctx, b.String())
	if err != nil {
		n.logger.Warn("reasoner unavailable for editing, keeping draft as-is: %v", err)
		return editResult{Content: story.Content}
	}

	var res editResult
	if err := decide.ParseInto(reply, &res); err != nil || res.Content == "" {
		n.logger.Warn("edit reply rejected, keeping draft as-is: %v", err)
		return editResult{Content: story.Content}
	}
	return res
}

func (n *EditNode) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	story := prepared.(*types.Story)
	res := result.(editResult)

	summary := changeSummary(story.Content, res.Content)
	story.Content = res.Content
	story.Suggestions = res.Suggestions
	st.Set(KeyStory, story)

	outcome := fmt.Sprintf("edited story, %s", summary)
	if len(res.Suggestions) > 0 {
		outcome += fmt.Sprintf(", %d suggestions", len(res.Suggestions))
	}
	st.SetLastOutcome(outcome)
	n.reporter.Progress(progressEdited, "editing complete", types.TextArtifact("text/markdown", story.Content))
	return flow.LabelDecide, nil
}

// changeSummary reports how much the edit changed in characters.
func changeSummary(before, after string) string {
	if before == after {
		return "no changes"
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)

	var added, removed int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return fmt.Sprintf("+%d/-%d chars", added, removed)
}
