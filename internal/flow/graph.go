package flow

import (
	"context"
	"fmt"

	"fable/internal/utils"
)

// Graph is a directed graph of Nodes keyed by transition label. It owns the
// decide-execute loop: run the current node's three phases, follow the
// produced label to the successor, repeat until a terminal label.
type Graph struct {
	start         Node
	edges         map[string]map[string]Node
	maxIterations int
	logger        *utils.Logger
}

// NewGraph creates a graph rooted at start. maxIterations caps the number
// of node transitions in one run; exceeding the cap fails the run.
func NewGraph(start Node, maxIterations int) *Graph {
	if maxIterations <= 0 {
		maxIterations = 50
	}
	return &Graph{
		start:         start,
		edges:         make(map[string]map[string]Node),
		maxIterations: maxIterations,
		logger:        utils.NewComponentLogger("Flow"),
	}
}

// On registers succ as the successor of from for the given transition label.
func (g *Graph) On(from Node, label string, succ Node) *Graph {
	byLabel, ok := g.edges[from.Name()]
	if !ok {
		byLabel = make(map[string]Node)
		g.edges[from.Name()] = byLabel
	}
	byLabel[label] = succ
	return g
}

// Successor returns the node registered for (from, label).
func (g *Graph) Successor(from Node, label string) (Node, bool) {
	succ, ok := g.edges[from.Name()][label]
	return succ, ok
}

// Run drives one task's state through the graph until a terminal label is
// produced. The context is checked between node transitions, so a caller
// cancellation takes effect at the next step boundary rather than aborting
// an in-flight external call.
func (g *Graph) Run(ctx context.Context, st *State) error {
	current := g.start
	if current == nil {
		return fmt.Errorf("flow graph has no start node")
	}

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before node %s: %w", current.Name(), err)
		}
		if iteration > g.maxIterations {
			return fmt.Errorf("exceeded %d node transitions without completing; aborting run", g.maxIterations)
		}

		label, err := g.step(ctx, current, st)
		if err != nil {
			return fmt.Errorf("node %s: %w", current.Name(), err)
		}

		if label == LabelTerminate {
			g.logger.Debug("Run terminated at node %s after %d transitions", current.Name(), iteration)
			return nil
		}

		succ, ok := g.Successor(current, label)
		if !ok {
			// A label nobody registered ends the run. Nodes signal normal
			// completion through LabelTerminate, so this usually means a
			// wiring gap worth surfacing in the logs.
			g.logger.Warn("Node %s produced label %q with no successor; treating as terminal", current.Name(), label)
			return nil
		}
		current = succ
	}
}

func (g *Graph) step(ctx context.Context, node Node, st *State) (string, error) {
	prepared, err := node.Prep(ctx, st)
	if err != nil {
		return "", fmt.Errorf("prepare: %w", err)
	}

	result, err := node.Exec(ctx, prepared)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}

	label, err := node.Post(ctx, st, prepared, result)
	if err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	return label, nil
}
