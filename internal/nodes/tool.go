package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fable/internal/decide"
	fableerrors "fable/internal/errors"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/utils"
)

// ToolNode executes an arbitrary tool the decision step picked. Unlike the
// pipeline nodes it has no domain opinion: it resolves the service endpoint
// from the discovered inventory, invokes with retry and records the outcome
// for the next decision. An invocation that still fails after retries is
// recorded as a failed outcome and the run returns to the decision step; a
// broken tool never ends the run.
type ToolNode struct {
	client  *mcp.Client
	policy  fableerrors.RetryConfig
	timeout time.Duration
	logger  *utils.Logger
}

func NewToolNode(client *mcp.Client, policy fableerrors.RetryConfig, timeout time.Duration) *ToolNode {
	return &ToolNode{
		client:  client,
		policy:  policy,
		timeout: timeout,
		logger:  utils.NewComponentLogger("Tool"),
	}
}

func (n *ToolNode) Name() string { return "tool" }

type toolCall struct {
	endpoint string
	decision decide.Decision
}

func (n *ToolNode) Prep(ctx context.Context, st *flow.State) (any, error) {
	d, ok := decide.FromState(st)
	if !ok || d.Action != decide.ActionTool {
		return nil, fmt.Errorf("no tool decision in state")
	}

	endpoint, err := resolveEndpoint(st, d)
	if err != nil {
		return nil, err
	}
	return toolCall{endpoint: endpoint, decision: d}, nil
}

type toolOutcome struct {
	payload map[string]any
	err     error
}

func (n *ToolNode) Exec(ctx context.Context, prepared any) (any, error) {
	call := prepared.(toolCall)
	payload, err := n.client.InvokeWithRetry(ctx, call.endpoint, call.decision.Tool, call.decision.Params, n.timeout, n.policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n.logger.Warn("tool %s failed after retries: %v", call.decision.Tool, err)
		return toolOutcome{err: err}, nil
	}
	return toolOutcome{payload: payload}, nil
}

func (n *ToolNode) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	call := prepared.(toolCall)
	out := result.(toolOutcome)

	if out.err != nil {
		st.SetLastOutcome(fmt.Sprintf("tool %s failed: %v", call.decision.Tool, out.err))
		return flow.LabelDecide, nil
	}

	n.logger.Info("tool %s completed via %s", call.decision.Tool, call.endpoint)
	st.Set("tool_result:"+call.decision.Tool, out.payload)
	st.SetLastOutcome(fmt.Sprintf("tool %s returned %s", call.decision.Tool, summarize(out.payload)))
	return flow.LabelDecide, nil
}

// resolveEndpoint finds where the chosen tool lives. An explicit service in
// the decision wins; otherwise the discovered inventory is searched for the
// first service advertising the tool.
func resolveEndpoint(st *flow.State, d decide.Decision) (string, error) {
	inventory, _ := flow.Value[[]decide.ServiceTools](st, decide.KeyTools)
	for _, svc := range inventory {
		if d.Service != "" && svc.Service != d.Service {
			continue
		}
		for _, t := range svc.Tools {
			if t.Name == d.Tool {
				return svc.Endpoint, nil
			}
		}
	}
	if d.Service != "" {
		return "", fmt.Errorf("tool %s not found on service %s", d.Tool, d.Service)
	}
	return "", fmt.Errorf("tool %s not advertised by any discovered service", d.Tool)
}

func summarize(payload map[string]any) string {
	if content, ok := payload["content"].(string); ok {
		if len(content) > 80 {
			content = content[:77] + "..."
		}
		return fmt.Sprintf("%q", content)
	}
	data, err := json.Marshal(payload)
	if err != nil || len(data) == 0 {
		return "an empty result"
	}
	s := string(data)
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
