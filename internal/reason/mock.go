package reason

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays a fixed sequence of replies. Tests use it to steer
// the decision loop without a live reasoning service. Once the script is
// exhausted the last reply repeats.
type ScriptedClient struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	calls   int
	Prompts []string
}

// Decide returns the next scripted reply and records the prompt it saw.
// Failed calls count too, so tests can assert the client was never asked.
func (c *ScriptedClient) Decide(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Prompts = append(c.Prompts, prompt)
	idx := c.calls
	c.calls++

	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Replies) == 0 {
		return "", fmt.Errorf("scripted client has no replies")
	}
	if idx >= len(c.Replies) {
		idx = len(c.Replies) - 1
	}
	return c.Replies[idx], nil
}

// Calls reports how many times Decide ran.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
