package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable/internal/decide"
	"fable/internal/flow"
	"fable/internal/mcp"
	"fable/internal/reason"
	"fable/pkg/types"
)

// sectionClient answers section prompts with canned prose and fails the
// sections listed in failTitles. It also tracks concurrent callers.
type sectionClient struct {
	mu         sync.Mutex
	failTitles map[string]bool
	inFlight   atomic.Int32
	maxSeen    atomic.Int32
}

func (c *sectionClient) Decide(ctx context.Context, prompt string) (string, error) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		max := c.maxSeen.Load()
		if cur <= max || c.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for title := range c.failTitles {
		if strings.Contains(prompt, title) {
			return "", fmt.Errorf("writer refused %q", title)
		}
	}
	// Echo the section title back so ordering is observable in the merge.
	line, _, _ := strings.Cut(prompt, "\n")
	return "Prose for " + line, nil
}

func outlineWithSections(n int) types.Outline {
	o := types.Outline{Title: "Test story"}
	for i := 1; i <= n; i++ {
		o.Sections = append(o.Sections, types.Section{
			ID:    fmt.Sprintf("s%d", i),
			Title: fmt.Sprintf("Chapter %d", i),
		})
	}
	return o
}

func TestWriteNodeDraftsAllSectionsInOrder(t *testing.T) {
	client := &sectionClient{}
	node := NewWriteNode(mcp.NewClient(), "", quickRetry, time.Second, client, 3, NopReporter{})

	st := flow.NewState(0)
	st.Set(decide.KeyGoal, "a story")
	st.Set(KeyOutline, outlineWithSections(5))

	label := runNode(t, node, st)
	assert.Equal(t, flow.LabelDecide, label)

	story, ok := flow.Value[*types.Story](st, KeyStory)
	require.True(t, ok)
	require.Len(t, story.Sections, 5)
	for i, sec := range story.Sections {
		assert.Equal(t, fmt.Sprintf("s%d", i+1), sec.ID, "merge must keep outline order")
		assert.NotEmpty(t, sec.Content)
	}
	assert.Contains(t, story.Content, "## Chapter 1")
	assert.Less(t, strings.Index(story.Content, "Chapter 1"), strings.Index(story.Content, "Chapter 5"))
}

func TestWriteNodeIsolatesSectionFailures(t *testing.T) {
	client := &sectionClient{failTitles: map[string]bool{"Chapter 2": true, "Chapter 4": true}}
	node := NewWriteNode(mcp.NewClient(), "", quickRetry, time.Second, client, 2, NopReporter{})

	st := flow.NewState(0)
	st.Set(KeyOutline, outlineWithSections(5))
	st.AppendHistory(flow.ActionRecord{Action: decide.ActionWrite})

	label := runNode(t, node, st)
	assert.Equal(t, flow.LabelDecide, label)

	story, ok := flow.Value[*types.Story](st, KeyStory)
	require.True(t, ok)
	require.Len(t, story.Sections, 3)
	assert.Equal(t, []string{"s1", "s3", "s5"}, []string{story.Sections[0].ID, story.Sections[1].ID, story.Sections[2].ID})

	history := st.History()
	assert.Contains(t, history[len(history)-1].Outcome, "2 failed")
}

func TestWriteNodeReturnsToDecideWhenEverySectionFails(t *testing.T) {
	client := &sectionClient{failTitles: map[string]bool{"Chapter 1": true, "Chapter 2": true}}
	node := NewWriteNode(mcp.NewClient(), "", quickRetry, time.Second, client, 2, NopReporter{})

	st := flow.NewState(0)
	st.Set(KeyOutline, outlineWithSections(2))
	st.AppendHistory(flow.ActionRecord{Action: decide.ActionWrite})

	label := runNode(t, node, st)
	assert.Equal(t, flow.LabelDecide, label, "a fully failed draft is reported, not fatal")

	_, ok := flow.Value[*types.Story](st, KeyStory)
	assert.False(t, ok, "no story without at least one drafted section")

	history := st.History()
	assert.Contains(t, history[len(history)-1].Outcome, "all 2 sections failed")
}

func TestWriteNodeStreamsSectionsFromWritingService(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run/writing", func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		title, _ := params["section_title"].(string)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Prose for ", title, "."} {
			data, _ := json.Marshal(map[string]string{"chunk": chunk})
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reasoner := &reason.ScriptedClient{Err: fmt.Errorf("must not be asked")}
	node := NewWriteNode(mcp.NewClient(), srv.URL, quickRetry, time.Second, reasoner, 2, NopReporter{})

	st := flow.NewState(0)
	st.Set(decide.KeyGoal, "a story")
	st.Set(KeyOutline, outlineWithSections(3))

	label := runNode(t, node, st)
	assert.Equal(t, flow.LabelDecide, label)

	story, ok := flow.Value[*types.Story](st, KeyStory)
	require.True(t, ok)
	require.Len(t, story.Sections, 3)
	assert.Equal(t, "Prose for Chapter 1.", story.Sections[0].Content)
	assert.Zero(t, reasoner.Calls(), "the service drafted every section")
}

func TestWriteNodeRespectsConcurrencyLimit(t *testing.T) {
	client := &sectionClient{}
	node := NewWriteNode(mcp.NewClient(), "", quickRetry, time.Second, client, 2, NopReporter{})

	st := flow.NewState(0)
	st.Set(KeyOutline, outlineWithSections(8))

	runNode(t, node, st)
	assert.LessOrEqual(t, client.maxSeen.Load(), int32(2))
}

func TestWriteNodeRequiresOutline(t *testing.T) {
	node := NewWriteNode(mcp.NewClient(), "", quickRetry, time.Second, &sectionClient{}, 2, NopReporter{})
	_, err := node.Prep(context.Background(), flow.NewState(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outline")
}

func runNode(t *testing.T, node flow.Node, st *flow.State) string {
	t.Helper()
	prepared, err := node.Prep(context.Background(), st)
	require.NoError(t, err)
	result, err := node.Exec(context.Background(), prepared)
	require.NoError(t, err)
	label, err := node.Post(context.Background(), st, prepared, result)
	require.NoError(t, err)
	return label
}
