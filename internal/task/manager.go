package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fable/internal/async"
	"fable/internal/config"
	"fable/internal/nodes"
	"fable/internal/utils"
	"fable/pkg/types"
)

// ErrTaskNotFound is returned for operations on unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Runner executes one workflow run for a submitted goal.
type Runner interface {
	Run(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error)

func (f RunnerFunc) Run(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
	return f(ctx, goal, reporter)
}

type entry struct {
	mu           sync.Mutex
	task         Task
	subs         *subscribers
	cancel       context.CancelFunc
	cancelReason string
	started      time.Time
}

// Manager owns the task registry: it launches a workflow run per submitted
// task, serializes every mutation of a task under its own lock, and fans
// lifecycle events out to subscribers. A task reaches exactly one terminal
// state; later completion attempts are ignored.
type Manager struct {
	cfg     *config.Config
	runner  Runner
	metrics *Metrics
	logger  *utils.Logger

	mu    sync.RWMutex
	tasks map[string]*entry
}

func NewManager(cfg *config.Config, runner Runner) *Manager {
	return &Manager{
		cfg:     cfg,
		runner:  runner,
		metrics: defaultMetrics(),
		logger:  utils.NewComponentLogger("TaskManager"),
		tasks:   make(map[string]*entry),
	}
}

// WithMetrics overrides the metrics sink, for tests with a private registry.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Submit registers a new task and starts its workflow run in the background.
// The returned snapshot is the task's initial pending state.
func (m *Manager) Submit(goal, sessionID string) (Task, error) {
	if goal == "" {
		return Task{}, fmt.Errorf("goal must not be empty")
	}

	now := time.Now()
	t := Task{
		ID:        "task-" + uuid.New().String(),
		SessionID: sessionID,
		Goal:      goal,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if m.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, m.cfg.TaskTimeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	e := &entry{
		task:    t,
		subs:    newSubscribers(m.cfg.SubscriberBuffer, m.metrics.eventDropped),
		cancel:  cancel,
		started: now,
	}

	m.mu.Lock()
	m.tasks[t.ID] = e
	m.mu.Unlock()

	m.metrics.taskSubmitted()
	m.logger.Info("task %s submitted: %s", t.ID, goal)

	async.Go(m.logger, "run "+t.ID, func() {
		defer cancel()
		m.execute(runCtx, t.ID, goal)
	})
	return t, nil
}

func (m *Manager) execute(ctx context.Context, id, goal string) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(id, fmt.Errorf("run panicked: %v", r))
		}
	}()
	reporter := progressReporter{manager: m, id: id}

	story, err := m.runner.Run(ctx, goal, reporter)
	if err != nil {
		if ctx.Err() != nil {
			reason := "task cancelled"
			if e, lookupErr := m.entry(id); lookupErr == nil {
				e.mu.Lock()
				if e.cancelReason != "" {
					reason = fmt.Sprintf("task cancelled: %s", e.cancelReason)
				}
				e.mu.Unlock()
			}
			err = fmt.Errorf("%s: %w", reason, err)
		}
		m.fail(id, err)
		return
	}
	m.complete(id, story)
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.snapshot(), nil
}

// UpdateProgress records forward progress on a running task. Percent is
// clamped to [0,100] and never moves backwards; updates after the terminal
// state are ignored. The first update moves a pending task to running.
// Artifacts attached to an update accumulate on the task, so partial results
// survive a later failure.
func (m *Manager) UpdateProgress(id string, percent int, message string, artifacts []Artifact) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status.Terminal() {
		return nil
	}

	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	if percent > e.task.Progress {
		e.task.Progress = percent
	}
	if message != "" {
		e.task.Message = message
	}
	if e.task.Status == StatusPending {
		e.task.Status = StatusRunning
	}
	e.task.Artifacts = append(e.task.Artifacts, artifacts...)
	e.task.UpdatedAt = time.Now()

	e.subs.publish(eventFrom(&e.task))
	return nil
}

// Cancel asks a task's run to stop. Cancellation is cooperative: the flow
// notices between node transitions and the task then fails with a
// cancellation error carrying the reason. Cancelling a finished task is a
// no-op.
func (m *Manager) Cancel(id, reason string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	terminal := e.task.Status.Terminal()
	if !terminal {
		e.cancelReason = reason
	}
	e.mu.Unlock()
	if terminal {
		return nil
	}

	m.logger.Info("cancelling task %s: %s", id, reason)
	e.cancel()
	return nil
}

// Subscribe attaches to a task's event stream. The current state is replayed
// as the first event, so late joiners never miss the terminal state. The
// snapshot and the registration happen under the task lock, so a subscriber
// sees the terminal state exactly once: either as the replay or as a later
// published event, never both. The returned stop function detaches the
// subscriber.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	replay := eventFrom(&e.task)
	ch, stop := e.subs.add(replay)
	e.mu.Unlock()

	return ch, stop, nil
}

func (m *Manager) complete(id string, story *types.Story) {
	e, err := m.entry(id)
	if err != nil {
		return
	}

	artifacts := storyArtifacts(story)

	e.mu.Lock()
	if e.task.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.task.Status = StatusCompleted
	e.task.Progress = 100
	e.task.Message = "story complete"
	e.task.Artifacts = append(e.task.Artifacts, artifacts...)
	e.task.UpdatedAt = time.Now()
	// Published under the task lock so Subscribe cannot slip between the
	// status change and the terminal event.
	e.subs.publish(eventFrom(&e.task))
	e.mu.Unlock()

	m.metrics.taskFinished(StatusCompleted, e.started)
	m.logger.Info("task %s completed", id)
}

func (m *Manager) fail(id string, cause error) {
	e, err := m.entry(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.task.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.task.Status = StatusFailed
	e.task.Error = cause.Error()
	e.task.Message = "run failed"
	e.task.UpdatedAt = time.Now()
	e.subs.publish(eventFrom(&e.task))
	e.mu.Unlock()

	m.metrics.taskFinished(StatusFailed, e.started)
	m.logger.Error("task %s failed: %v", id, cause)
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e, nil
}

// storyArtifacts renders the finished story as a JSON artifact plus a
// markdown artifact with the prose alone.
func storyArtifacts(story *types.Story) []Artifact {
	if story == nil {
		return nil
	}
	var artifacts []Artifact
	if data, err := json.Marshal(story); err == nil {
		artifacts = append(artifacts, Artifact{MimeType: "application/json", Data: data})
	}
	if content, err := json.Marshal(story.Content); err == nil {
		artifacts = append(artifacts, Artifact{MimeType: "text/markdown", Data: content})
	}
	return artifacts
}

type progressReporter struct {
	manager *Manager
	id      string
}

func (r progressReporter) Progress(percent int, message string, artifacts ...types.Artifact) {
	_ = r.manager.UpdateProgress(r.id, percent, message, artifacts)
}
