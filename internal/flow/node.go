package flow

import "context"

// Well-known transition labels. Any other string is legal as long as the
// graph registers a successor for it.
const (
	// LabelDefault is the ordinary "carry on" transition.
	LabelDefault = "default"
	// LabelDecide routes control back to the decision step. Action nodes
	// return it from Post so every action is followed by a fresh decision.
	LabelDecide = "decide"
	// LabelTerminate ends the run regardless of registered successors.
	LabelTerminate = "terminate"
)

// Node is one step of a flow. Implementations are stateless descriptors:
// the same Node value may serve many concurrent task runs, so all per-run
// data lives in the State passed through the three phases.
//
// Prep reads what the step needs from state. Exec performs the work and may
// call external collaborators; it must not touch state. Post writes results
// back and picks the outgoing transition label.
type Node interface {
	Name() string
	Prep(ctx context.Context, st *State) (any, error)
	Exec(ctx context.Context, prepared any) (any, error)
	Post(ctx context.Context, st *State, prepared, result any) (string, error)
}
