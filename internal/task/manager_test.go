package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable/internal/config"
	"fable/internal/nodes"
	"fable/pkg/types"
)

func testManager(t *testing.T, runner Runner) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.SubscriberBuffer = 8
	return NewManager(cfg, runner).WithMetrics(MustNewMetrics(prometheus.NewRegistry()))
}

func waitTerminal(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed without a terminal event")
			}
			if ev.Terminal {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		reporter.Progress(10, "searching")
		reporter.Progress(75, "writing")
		return &types.Story{Title: "Tides", Content: "The story."}, nil
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("a story about tides", "session-1")
	require.NoError(t, err)
	assert.Regexp(t, `^task-[0-9a-f-]{36}$`, submitted.ID)
	assert.Equal(t, StatusPending, submitted.Status)

	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()

	final := waitTerminal(t, events)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.Len(t, final.Artifacts, 2)
	assert.Equal(t, "application/json", final.Artifacts[0].MimeType)

	var story types.Story
	require.NoError(t, json.Unmarshal(final.Artifacts[0].Data, &story))
	assert.Equal(t, "Tides", story.Title)

	got, err := m.Get(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "a story about tides", got.Goal)
}

func TestSubscriberSeesMonotonicProgress(t *testing.T) {
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		<-release
		reporter.Progress(10, "step one")
		reporter.Progress(5, "stale update")
		reporter.Progress(300, "overshoot")
		return &types.Story{Content: "done"}, nil
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)
	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()
	close(release)

	var seen []int
	for ev := range events {
		seen = append(seen, ev.Progress)
		if ev.Terminal {
			break
		}
	}
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress must never regress")
	}
	assert.LessOrEqual(t, seen[len(seen)-1], 100)
}

func TestFailedRunProducesSingleTerminalEvent(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		return nil, errors.New("reasoner exploded")
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)
	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()

	terminals := 0
	for ev := range events {
		if ev.Terminal {
			terminals++
			assert.Equal(t, StatusFailed, ev.Status)
			assert.Contains(t, ev.Error, "reasoner exploded")
		}
	}
	assert.Equal(t, 1, terminals, "exactly one terminal event per task")
}

func TestProgressAfterTerminalIsIgnored(t *testing.T) {
	done := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		defer close(done)
		return &types.Story{Content: "done"}, nil
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)
	<-done

	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()
	waitTerminal(t, events)

	require.NoError(t, m.UpdateProgress(submitted.ID, 42, "late update", nil))
	got, err := m.Get(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestLateSubscriberGetsTerminalReplay(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		return &types.Story{Content: "done"}, nil
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Get(submitted.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()

	first := <-events
	assert.True(t, first.Terminal)
	assert.Equal(t, StatusCompleted, first.Status)

	_, open := <-events
	assert.False(t, open, "stream must close after the terminal replay")
}

func TestConcurrentSubscribersSeeOneTerminalEvent(t *testing.T) {
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		<-release
		return &types.Story{Content: "done"}, nil
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)

	// Subscribers race the completion on purpose: some attach before the
	// terminal publish, some during, some after the replay-only window.
	const subscribers = 32
	counts := make([]int, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, stop, err := m.Subscribe(submitted.ID)
			if !assert.NoError(t, err) {
				return
			}
			defer stop()
			for ev := range events {
				if ev.Terminal {
					counts[i]++
				}
			}
		}()
	}
	close(release)
	wg.Wait()

	for i, n := range counts {
		assert.Equalf(t, 1, n, "subscriber %d must see the terminal state exactly once", i)
	}
}

func TestPartialArtifactsSurviveFailure(t *testing.T) {
	outline := types.Outline{Title: "Tides", Sections: []types.Section{{ID: "s1", Title: "Ebb"}}}
	artifact, err := types.JSONArtifact(outline)
	require.NoError(t, err)

	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		reporter.Progress(40, "outline ready", artifact)
		return nil, errors.New("writer exploded")
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)
	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()

	final := waitTerminal(t, events)
	assert.Equal(t, StatusFailed, final.Status)
	require.Len(t, final.Artifacts, 1)

	got, err := m.Get(submitted.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "application/json", got.Artifacts[0].MimeType)

	var decoded types.Outline
	require.NoError(t, json.Unmarshal(got.Artifacts[0].Data, &decoded))
	assert.Equal(t, "Tides", decoded.Title)
}

func TestCancelStopsRunBetweenSteps(t *testing.T) {
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := testManager(t, runner)

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)
	<-started

	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, m.Cancel(submitted.ID, "user gave up"))

	final := waitTerminal(t, events)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "task cancelled: user gave up")

	// Cancelling again is a no-op.
	assert.NoError(t, m.Cancel(submitted.ID, "again"))
}

func TestTaskTimeoutFailsRun(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := config.Default()
	cfg.TaskTimeout = 20 * time.Millisecond
	m := NewManager(cfg, runner).WithMetrics(MustNewMetrics(prometheus.NewRegistry()))

	submitted, err := m.Submit("goal", "")
	require.NoError(t, err)
	events, stop, err := m.Subscribe(submitted.ID)
	require.NoError(t, err)
	defer stop()

	final := waitTerminal(t, events)
	assert.Equal(t, StatusFailed, final.Status)
}

func TestUnknownTaskOperations(t *testing.T) {
	m := testManager(t, RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		return nil, nil
	}))

	_, err := m.Get("task-missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, _, err = m.Subscribe("task-missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.ErrorIs(t, m.Cancel("task-missing", "x"), ErrTaskNotFound)
	assert.ErrorIs(t, m.UpdateProgress("task-missing", 10, "", nil), ErrTaskNotFound)
}

func TestSubmitRejectsEmptyGoal(t *testing.T) {
	m := testManager(t, RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		return nil, nil
	}))
	_, err := m.Submit("", "")
	require.Error(t, err)
}
