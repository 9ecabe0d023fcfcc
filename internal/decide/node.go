package decide

import (
	"context"
	"fmt"
	"time"

	"fable/internal/flow"
	"fable/internal/reason"
	"fable/internal/utils"
)

// Node asks the reasoner what to do next and routes the run accordingly.
// Malformed replies are recoverable: the parse error is written into state
// and the node routes back to itself so the next prompt carries the
// diagnostic. The graph's transition cap bounds how long that can go on.
type Node struct {
	client reason.Client
	logger *utils.Logger
}

func NewNode(client reason.Client) *Node {
	return &Node{
		client: client,
		logger: utils.NewComponentLogger("Decide"),
	}
}

func (n *Node) Name() string { return "decide" }

func (n *Node) Prep(ctx context.Context, st *flow.State) (any, error) {
	goal := st.GetString(KeyGoal)
	if goal == "" {
		return nil, fmt.Errorf("required state key %q is missing", KeyGoal)
	}
	services, _ := flow.Value[[]ServiceTools](st, KeyTools)
	return buildPrompt(goal, services, st.History(), st.GetString(KeyParseFailure)), nil
}

func (n *Node) Exec(ctx context.Context, prepared any) (any, error) {
	prompt := prepared.(string)
	reply, err := n.client.Decide(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("reasoner: %w", err)
	}
	return reply, nil
}

func (n *Node) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	reply := result.(string)

	decision, err := Parse(reply)
	if err != nil {
		n.logger.Warn("decision reply rejected: %v", err)
		st.Set(KeyParseFailure, err.Error())
		st.AppendHistory(flow.ActionRecord{
			Action:    "decide",
			Outcome:   fmt.Sprintf("reply rejected: %v", err),
			Timestamp: time.Now(),
		})
		return LabelRetry, nil
	}

	st.Delete(KeyParseFailure)
	st.Set(KeyDecision, decision)
	st.AppendHistory(flow.ActionRecord{
		Action:    decision.Action,
		Tool:      decision.Tool,
		Service:   decision.Service,
		Rationale: decision.Rationale,
		Timestamp: time.Now(),
	})
	n.logger.Info("next action: %s", decision.Action)

	if decision.Action == ActionFinish {
		return flow.LabelTerminate, nil
	}
	return decision.Action, nil
}

// LabelRetry routes a rejected reply back into the decision node.
const LabelRetry = "retry_decide"

// FromState returns the decision recorded by the last successful Post.
func FromState(st *flow.State) (Decision, bool) {
	return flow.Value[Decision](st, KeyDecision)
}
