// Package taskqueue provides named, priority-capable task queues with
// per-queue worker concurrency. Tasks are routed to queues by registered
// task name; delivery is at-least-once, so handlers must be idempotent.
//
// Invariants:
// - Within one queue, ready tasks dispatch in priority order (higher first),
//   FIFO among equal priorities.
// - Different queues dispatch concurrently.
// - Queue activity is observable through enqueued/completed events and metrics.
package taskqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"tickd/internal/metrics"
)

// Handler executes one task delivery.
type Handler func(ctx context.Context, args map[string]interface{}) error

// Options configures a single enqueue.
type Options struct {
	Priority int
	Delay    time.Duration
}

// Task is one queued delivery.
type Task struct {
	ID         string
	Name       string
	Args       map[string]interface{}
	Queue      string
	Priority   int
	EnqueuedAt time.Time
	RunAt      time.Time
}

// Event represents a queue event.
type Event struct {
	Type   string // "enqueued" or "completed"
	Queue  string
	TaskID string
	Name   string
	Err    error
}

// EventHandler handles queue events.
type EventHandler func(event Event)

type registration struct {
	queue   string
	handler Handler
}

type queueState struct {
	concurrency int
	ready       taskHeap
	running     int
	mu          sync.Mutex
}

// Config holds broker construction options.
type Config struct {
	// Queues maps queue name to worker concurrency.
	Queues  map[string]int
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Broker routes tasks by name to queues and dispatches them to registered
// handlers. Registration is fixed at startup; enqueueing an unregistered
// task name is an error, not a silent drop.
type Broker struct {
	registrations map[string]registration
	queues        map[string]*queueState
	logger        zerolog.Logger
	metrics       *metrics.Metrics

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex

	timers  map[*time.Timer]struct{}
	timerMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// New creates a broker with the configured queues.
func New(cfg Config) *Broker {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Broker{
		registrations: make(map[string]registration),
		queues:        make(map[string]*queueState),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		eventHandlers: make(map[string][]EventHandler),
		timers:        make(map[*time.Timer]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	for name, concurrency := range cfg.Queues {
		if concurrency <= 0 {
			concurrency = 1
		}
		b.queues[name] = &queueState{concurrency: concurrency}
		cfg.Logger.Debug().Str("queue", name).Int("concurrency", concurrency).Msg("Queue initialized")
	}

	return b
}

// Register binds a task name to a queue and handler. Registering a task for
// an unknown queue is a configuration error.
func (b *Broker) Register(taskName, queueName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("unknown queue %s for task %s", queueName, taskName)
	}
	if _, ok := b.registrations[taskName]; ok {
		return fmt.Errorf("task %s already registered", taskName)
	}
	b.registrations[taskName] = registration{queue: queueName, handler: handler}
	return nil
}

// Enqueue routes a task by name to its registered queue and returns the task
// id. Delivery happens asynchronously on the queue's workers.
func (b *Broker) Enqueue(ctx context.Context, taskName string, args map[string]interface{}, opts Options) (string, error) {
	b.mu.RLock()
	reg, ok := b.registrations[taskName]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for task %s", taskName)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}

	now := time.Now()
	task := &Task{
		ID:         id,
		Name:       taskName,
		Args:       args,
		Queue:      reg.queue,
		Priority:   opts.Priority,
		EnqueuedAt: now,
		RunAt:      now.Add(opts.Delay),
	}

	if opts.Delay > 0 {
		// Delayed tasks join the ready heap when their RunAt arrives. The
		// timer stays tracked until it fires so Close can stop it before
		// it admits work into a drained broker.
		b.timerMu.Lock()
		var timer *time.Timer
		timer = time.AfterFunc(opts.Delay, func() {
			b.timerMu.Lock()
			delete(b.timers, timer)
			b.timerMu.Unlock()

			select {
			case <-b.ctx.Done():
			default:
				b.admit(task)
			}
		})
		b.timers[timer] = struct{}{}
		b.timerMu.Unlock()
	} else {
		b.admit(task)
	}

	b.logger.Debug().
		Str("queue", reg.queue).
		Str("task", taskName).
		Str("taskId", id).
		Int("priority", opts.Priority).
		Dur("delay", opts.Delay).
		Msg("Task enqueued")

	b.emit(Event{Type: "enqueued", Queue: reg.queue, TaskID: id, Name: taskName})
	return id, nil
}

func (b *Broker) admit(task *Task) {
	if b.ctx.Err() != nil {
		return
	}
	qs := b.queues[task.Queue]

	qs.mu.Lock()
	heap.Push(&qs.ready, task)
	depth := qs.ready.Len()
	qs.mu.Unlock()

	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues(task.Queue).Set(float64(depth))
	}

	go b.processQueue(task.Queue)
}

// processQueue dispatches ready tasks while the queue has worker capacity.
func (b *Broker) processQueue(queueName string) {
	qs := b.queues[queueName]

	qs.mu.Lock()
	defer qs.mu.Unlock()

	for qs.running < qs.concurrency && qs.ready.Len() > 0 {
		task := heap.Pop(&qs.ready).(*Task)
		qs.running++

		b.wg.Add(1)
		go b.executeTask(qs, task)
	}
}

func (b *Broker) executeTask(qs *queueState, task *Task) {
	defer b.wg.Done()

	b.mu.RLock()
	reg := b.registrations[task.Name]
	b.mu.RUnlock()

	start := time.Now()
	err := reg.handler(b.ctx, task.Args)
	duration := time.Since(start)

	qs.mu.Lock()
	qs.running--
	depth := qs.ready.Len()
	qs.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
		b.logger.Error().
			Str("queue", task.Queue).
			Str("task", task.Name).
			Str("taskId", task.ID).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		b.logger.Debug().
			Str("queue", task.Queue).
			Str("task", task.Name).
			Str("taskId", task.ID).
			Dur("duration", duration).
			Msg("Task completed")
	}

	if b.metrics != nil {
		b.metrics.TasksTotal.WithLabelValues(task.Queue, status).Inc()
		b.metrics.TaskDuration.WithLabelValues(task.Queue).Observe(duration.Seconds())
		b.metrics.QueueDepth.WithLabelValues(task.Queue).Set(float64(depth))
	}

	b.emit(Event{Type: "completed", Queue: task.Queue, TaskID: task.ID, Name: task.Name, Err: err})

	go b.processQueue(task.Queue)
}

// Depth returns the number of ready tasks in a queue.
func (b *Broker) Depth(queueName string) int {
	qs, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.ready.Len()
}

// Stats returns queued/running/concurrency per queue.
func (b *Broker) Stats() map[string]map[string]int {
	stats := make(map[string]map[string]int)
	for name, qs := range b.queues {
		qs.mu.Lock()
		stats[name] = map[string]int{
			"queued":      qs.ready.Len(),
			"running":     qs.running,
			"concurrency": qs.concurrency,
		}
		qs.mu.Unlock()
	}
	return stats
}

// On registers an event handler for an event type.
func (b *Broker) On(eventType string, handler EventHandler) {
	b.eventMu.Lock()
	defer b.eventMu.Unlock()
	b.eventHandlers[eventType] = append(b.eventHandlers[eventType], handler)
}

func (b *Broker) emit(event Event) {
	b.eventMu.RLock()
	handlers := b.eventHandlers[event.Type]
	b.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// WaitForActive waits for in-flight tasks to finish, up to timeout.
func (b *Broker) WaitForActive(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		b.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close stops dispatching and waits for in-flight tasks. Delayed tasks that
// have not reached their RunAt yet are dropped.
func (b *Broker) Close() error {
	b.cancel()

	b.timerMu.Lock()
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	b.timerMu.Unlock()

	b.wg.Wait()
	return nil
}
