package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fable/internal/decide"
	fableerrors "fable/internal/errors"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/reason"
	"fable/internal/utils"
	"fable/pkg/types"
)

const writeTool = "writing"

// WriteNode drafts every outlined section concurrently. The writing service
// drafts each section over its streaming endpoint; the reasoner takes over
// per section when the service is missing or exhausted its retries. Section
// failures are isolated: one bad section never cancels its siblings, and the
// merged draft keeps outline order regardless of completion order. The
// failure count goes back to the decision step through the action outcome.
type WriteNode struct {
	tools       *mcp.Client
	endpoint    string
	policy      fableerrors.RetryConfig
	timeout     time.Duration
	reasoner    reason.Client
	concurrency int
	reporter    ProgressReporter
	logger      *utils.Logger
}

func NewWriteNode(tools *mcp.Client, endpoint string, policy fableerrors.RetryConfig, timeout time.Duration, reasoner reason.Client, concurrency int, reporter ProgressReporter) *WriteNode {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WriteNode{
		tools:       tools,
		endpoint:    endpoint,
		policy:      policy,
		timeout:     timeout,
		reasoner:    reasoner,
		concurrency: concurrency,
		reporter:    reporter,
		logger:      utils.NewComponentLogger("Write"),
	}
}

func (n *WriteNode) Name() string { return "write" }

type writeInput struct {
	goal    string
	outline types.Outline
}

type writeResult struct {
	sections []types.Section
	failed   int
}

func (n *WriteNode) Prep(ctx context.Context, st *flow.State) (any, error) {
	outline, ok := flow.Value[types.Outline](st, KeyOutline)
	if !ok {
		return nil, fmt.Errorf("no outline in state; run the outline step first")
	}
	if err := outline.Validate(); err != nil {
		return nil, fmt.Errorf("outline unusable: %w", err)
	}
	return writeInput{goal: st.GetString(decide.KeyGoal), outline: outline}, nil
}

func (n *WriteNode) Exec(ctx context.Context, prepared any) (any, error) {
	in := prepared.(writeInput)
	sections := in.outline.Sections

	drafted := make([]types.Section, len(sections))
	errs := make([]error, len(sections))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for i, sec := range sections {
		g.Go(func() error {
			content, err := n.draftSection(ctx, in.goal, in.outline.Title, sec)
			if err != nil {
				// Keep siblings running; the failure is reported, not fatal.
				errs[i] = err
				return nil
			}
			sec.Content = content
			drafted[i] = sec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := writeResult{}
	for i := range sections {
		if errs[i] != nil {
			n.logger.Warn("section %s failed: %v", sections[i].ID, errs[i])
			result.failed++
			continue
		}
		result.sections = append(result.sections, drafted[i])
	}
	return result, nil
}

func (n *WriteNode) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	in := prepared.(writeInput)
	res := result.(writeResult)

	if len(res.sections) == 0 {
		outcome := fmt.Sprintf("all %d sections failed to draft", len(in.outline.Sections))
		st.SetLastOutcome(outcome)
		n.reporter.Progress(progressWritten, outcome)
		return flow.LabelDecide, nil
	}

	parts := make([]string, 0, len(res.sections))
	for _, sec := range res.sections {
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", sec.Title, sec.Content))
	}
	story := &types.Story{
		Title:    in.outline.Title,
		Outline:  &in.outline,
		Sections: res.sections,
		Content:  strings.Join(parts, "\n\n"),
	}
	st.Set(KeyStory, story)

	outcome := fmt.Sprintf("drafted %d of %d sections", len(res.sections), len(in.outline.Sections))
	if res.failed > 0 {
		outcome += fmt.Sprintf(" (%d failed)", res.failed)
	}
	st.SetLastOutcome(outcome)
	n.reporter.Progress(progressWritten, outcome, types.TextArtifact("text/markdown", story.Content))
	return flow.LabelDecide, nil
}

func (n *WriteNode) draftSection(ctx context.Context, goal, title string, sec types.Section) (string, error) {
	if n.endpoint != "" {
		params := map[string]any{
			"goal":          goal,
			"story_title":   title,
			"section_id":    sec.ID,
			"section_title": sec.Title,
			"brief":         sec.Brief,
		}
		payload, err := n.tools.InvokeStreamingWithRetry(ctx, n.endpoint, writeTool, params, n.timeout, n.policy)
		if err == nil {
			if content := strings.TrimSpace(payloadContent(payload)); content != "" {
				return content, nil
			}
			err = fmt.Errorf("empty draft for section %s", sec.ID)
		}
		n.logger.Warn("writing service failed for section %s, asking the reasoner: %v", sec.ID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write the %q section of the story %q.\n", sec.Title, title)
	if goal != "" {
		fmt.Fprintf(&b, "Overall goal: %s\n", goal)
	}
	if sec.Brief != "" {
		fmt.Fprintf(&b, "Section brief: %s\n", sec.Brief)
	}
	b.WriteString("Reply with the section prose only, no headings.\n")

	reply, err := n.reasoner.Decide(ctx, b.String())
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(reply)
	if content == "" {
		return "", fmt.Errorf("empty draft for section %s", sec.ID)
	}
	return content, nil
}

func payloadContent(payload map[string]any) string {
	content, _ := payload["content"].(string)
	return content
}
