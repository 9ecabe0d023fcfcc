// Package nodes implements the workflow steps of the story pipeline. Every
// node follows the same contract: Prep validates inputs from shared state,
// Exec performs the external work, Post writes results back and routes the
// run onward. Action nodes hand control back to the decision step.
package nodes

import "fable/pkg/types"

// State keys written and read by the pipeline nodes.
const (
	KeySearchResults = "search_results"
	KeyOutline       = "outline"
	KeyStory         = "story"
)

// Progress checkpoints reported across a full pipeline run.
const (
	progressDiscovered = 5
	progressSearching  = 10
	progressSearched   = 30
	progressOutlining  = 35
	progressOutlined   = 40
	progressWritten    = 75
	progressEditing    = 80
	progressEdited     = 90
)

// ProgressReporter receives coarse progress updates while a run executes.
// Nodes attach intermediate artifacts so that partial results survive a
// failed run. Implementations must tolerate out-of-order calls; the task
// layer clamps regressions.
type ProgressReporter interface {
	Progress(percent int, message string, artifacts ...types.Artifact)
}

// NopReporter discards progress updates.
type NopReporter struct{}

func (NopReporter) Progress(int, string, ...types.Artifact) {}
