package nodes

import (
	"context"
	"fmt"

	"fable/internal/config"
	"fable/internal/decide"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/reason"
	"fable/pkg/types"
)

// Service names the pipeline looks up in the configuration. A missing
// service is not an error: the owning node falls back to the reasoner.
const (
	researchService = "research"
	outlineService  = "outline"
	writingService  = "writing"
	editingService  = "editing"
)

// BuildGraph wires the full story pipeline: discovery feeds the decision
// loop, every action node reports back to it, and the loop ends when the
// reasoner decides the story is finished.
func BuildGraph(cfg *config.Config, reasoner reason.Client, tools *mcp.Client, reporter ProgressReporter) *flow.Graph {
	if reporter == nil {
		reporter = NopReporter{}
	}
	policy := cfg.RetryPolicy()

	discover := NewDiscoverNode(tools, cfg.Services, reporter)
	decision := decide.NewNode(reasoner)
	search := NewSearchNode(tools, cfg.ServiceEndpoint(researchService), policy, cfg.ToolCallTimeout, reporter)
	outline := NewOutlineNode(tools, cfg.ServiceEndpoint(outlineService), policy, cfg.ToolCallTimeout, reasoner, reporter)
	write := NewWriteNode(tools, cfg.ServiceEndpoint(writingService), policy, cfg.ToolCallTimeout, reasoner, cfg.FanOutConcurrency, reporter)
	edit := NewEditNode(tools, cfg.ServiceEndpoint(editingService), policy, cfg.ToolCallTimeout, reasoner, reporter)
	tool := NewToolNode(tools, policy, cfg.ToolCallTimeout)

	g := flow.NewGraph(discover, cfg.MaxIterations)
	g.On(discover, flow.LabelDefault, decision)
	g.On(decision, decide.LabelRetry, decision)
	g.On(decision, decide.ActionSearch, search)
	g.On(decision, decide.ActionOutline, outline)
	g.On(decision, decide.ActionWrite, write)
	g.On(decision, decide.ActionEdit, edit)
	g.On(decision, decide.ActionTool, tool)
	for _, action := range []flow.Node{search, outline, write, edit, tool} {
		g.On(action, flow.LabelDecide, decision)
	}
	return g
}

// Run executes one full pipeline for the goal and returns the finished
// story. The graph and its nodes are stateless descriptors, so a fresh one
// per run keeps concurrent tasks isolated.
func Run(ctx context.Context, cfg *config.Config, reasoner reason.Client, tools *mcp.Client, reporter ProgressReporter, goal string) (*types.Story, error) {
	graph := BuildGraph(cfg, reasoner, tools, reporter)

	st := flow.NewState(cfg.HistoryLimit)
	st.Set(decide.KeyGoal, goal)
	if err := graph.Run(ctx, st); err != nil {
		return nil, err
	}

	story, ok := flow.Value[*types.Story](st, KeyStory)
	if !ok {
		return nil, fmt.Errorf("run finished without producing a story")
	}
	return story, nil
}
