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
	"fable/pkg/types"
)

const searchTool = "web_search"

// SearchNode gathers background material through the research service. When
// the service is unreachable after retries the node degrades to a stub result
// so the run can continue on the reasoner's own knowledge.
type SearchNode struct {
	client   *mcp.Client
	endpoint string
	policy   fableerrors.RetryConfig
	timeout  time.Duration
	reporter ProgressReporter
	logger   *utils.Logger
}

func NewSearchNode(client *mcp.Client, endpoint string, policy fableerrors.RetryConfig, timeout time.Duration, reporter ProgressReporter) *SearchNode {
	return &SearchNode{
		client:   client,
		endpoint: endpoint,
		policy:   policy,
		timeout:  timeout,
		reporter: reporter,
		logger:   utils.NewComponentLogger("Search"),
	}
}

func (n *SearchNode) Name() string { return "search" }

func (n *SearchNode) Prep(ctx context.Context, st *flow.State) (any, error) {
	query := ""
	if d, ok := decide.FromState(st); ok {
		if q, ok := d.Params["query"].(string); ok {
			query = q
		}
	}
	if query == "" {
		query = st.GetString(decide.KeyGoal)
	}
	if query == "" {
		return nil, fmt.Errorf("nothing to search for: no query and no goal")
	}
	n.reporter.Progress(progressSearching, fmt.Sprintf("searching for %q", query))
	return query, nil
}

func (n *SearchNode) Exec(ctx context.Context, prepared any) (any, error) {
	query := prepared.(string)

	if n.endpoint == "" {
		n.logger.Warn("no research service configured, using stub results")
		return n.fallback(query), nil
	}

	result, err := n.client.InvokeWithRetry(ctx, n.endpoint, searchTool, map[string]any{"query": query}, n.timeout, n.policy)
	if err != nil {
		n.logger.Warn("search failed, degrading to stub results: %v", err)
		return n.fallback(query), nil
	}

	results, err := decodeResults(query, result)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (n *SearchNode) Post(ctx context.Context, st *flow.State, prepared, result any) (string, error) {
	results := result.([]types.SearchResult)

	existing, _ := flow.Value[[]types.SearchResult](st, KeySearchResults)
	st.Set(KeySearchResults, append(existing, results...))

	st.SetLastOutcome(fmt.Sprintf("%d results for %q", len(results), prepared.(string)))
	n.reporter.Progress(progressSearched, "research complete")
	return flow.LabelDecide, nil
}

// fallback produces a single marker result so downstream steps know the
// material is the reasoner's own rather than fresh research.
func (n *SearchNode) fallback(query string) []types.SearchResult {
	return []types.SearchResult{{
		Query: query,
		Text:  fmt.Sprintf("No external research available for %q; rely on general knowledge.", query),
	}}
}

func decodeResults(query string, result map[string]any) ([]types.SearchResult, error) {
	if raw, ok := result["results"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("re-encode search results: %w", err)
		}
		var results []types.SearchResult
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("decode search results: %w", err)
		}
		for i := range results {
			if results[i].Query == "" {
				results[i].Query = query
			}
		}
		return results, nil
	}

	// Some services answer with a single text blob.
	if content, ok := result["content"].(string); ok {
		return []types.SearchResult{{Query: query, Text: content}}, nil
	}
	return nil, fmt.Errorf("search result has neither results nor content")
}
