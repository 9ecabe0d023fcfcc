package nodes

import (
	"context"
	"fmt"

	"fable/internal/config"
	"fable/internal/decide"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/utils"
)

// DiscoverNode queries every configured tool service for its tool list and
// publishes the merged inventory for the decision step. A service that is
// down contributes nothing; the run proceeds with whatever answered.
type DiscoverNode struct {
	client   *mcp.Client
	services []config.ServiceConfig
	reporter ProgressReporter
	logger   *utils.Logger
}

func NewDiscoverNode(client *mcp.Client, services []config.ServiceConfig, reporter ProgressReporter) *DiscoverNode {
	return &DiscoverNode{
		client:   client,
		services: services,
		reporter: reporter,
		logger:   utils.NewComponentLogger("Discover"),
	}
}

func (n *DiscoverNode) Name() string { return "discover" }

func (n *DiscoverNode) Prep(ctx context.Context, st *flow.State) (any, error) {
	return n.services, nil
}

func (n *DiscoverNode) Exec(ctx context.Context, prepared any) (any, error) {
	services := prepared.([]config.ServiceConfig)
	inventory := make([]decide.ServiceTools, 0, len(services))
	for _, svc := range services {
		tools, err := n.client.Discover(ctx, svc.Endpoint)
		if err != nil {
			n.logger.Warn("service %s unavailable, continuing without it: %v", svc.Name, err)
			continue
		}
		inventory = append(inventory, decide.ServiceTools{
			Service:  svc.Name,
			Endpoint: svc.Endpoint,
			Tools:    tools,
		})
	}
	return inventory, nil
}

func (n *DiscoverNode) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	inventory := result.([]decide.ServiceTools)
	st.Set(decide.KeyTools, inventory)

	total := 0
	for _, svc := range inventory {
		total += len(svc.Tools)
	}
	st.SetLastOutcome(fmt.Sprintf("discovered %d tools across %d services", total, len(inventory)))
	n.reporter.Progress(progressDiscovered, "tool discovery complete")
	return flow.LabelDefault, nil
}
