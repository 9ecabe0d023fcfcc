package decide

import (
	"fmt"
	"strings"

	"fable/internal/flow"
	"fable/internal/mcp"
)

// ServiceTools pairs a tool service with the schemas it advertised.
type ServiceTools struct {
	Service  string
	Endpoint string
	Tools    []mcp.ToolSchema
}

// buildPrompt renders the decision prompt: the run's goal, the tools
// discovered so far, the ordered action history with outcomes, and the parse
// diagnostic from the previous attempt when there was one.
func buildPrompt(goal string, services []ServiceTools, history []flow.ActionRecord, parseFailure string) string {
	var b strings.Builder

	b.WriteString("You orchestrate a story-writing workflow. Choose the single next action.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)

	b.WriteString("Available actions:\n")
	b.WriteString("- search: gather background material for the goal\n")
	b.WriteString("- outline: produce a section outline (requires search results)\n")
	b.WriteString("- write: draft every outlined section (requires an outline)\n")
	b.WriteString("- edit: polish the drafted story (requires drafted sections)\n")
	b.WriteString("- tool: call one of the external tools listed below\n")
	b.WriteString("- finish: the story is complete\n\n")

	if len(services) > 0 {
		b.WriteString("External tools:\n")
		for _, svc := range services {
			for _, t := range svc.Tools {
				fmt.Fprintf(&b, "- %s (service %s): %s\n", t.Name, svc.Service, t.Description)
			}
		}
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("Actions taken so far:\n")
		for i, rec := range history {
			line := rec.Action
			if rec.Tool != "" {
				line = fmt.Sprintf("%s %s", rec.Action, rec.Tool)
			}
			outcome := rec.Outcome
			if outcome == "" {
				outcome = "no outcome recorded"
			}
			fmt.Fprintf(&b, "%d. %s -> %s\n", i+1, line, outcome)
		}
		b.WriteString("\n")
	}

	if parseFailure != "" {
		fmt.Fprintf(&b, "Your previous reply could not be parsed: %s\nReply again, following the format exactly.\n\n", parseFailure)
	}

	b.WriteString("Reply with exactly one fenced JSON block:\n")
	b.WriteString("```json\n")
	b.WriteString(`{"action": "...", "tool": "", "service": "", "params": {}, "rationale": "..."}`)
	b.WriteString("\n```\n")
	return b.String()
}
