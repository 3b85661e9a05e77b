/*
Copyright 2025 Tradelane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/notification"
	redis_db "github.com/tradelane/oracle/internal/redis-db"
	"github.com/tradelane/oracle/model"
)

var tracer = otel.Tracer("oracle")

// ErrMalformedTask marks a payload that can never be processed. Handlers
// wrap it so the queue drops the task instead of redelivering it forever.
var ErrMalformedTask = errors.New("malformed task payload")

const (
	brokerReconnectInitial = 1 * time.Second
	brokerReconnectMax     = 60 * time.Second
	memoryDrainInterval    = 100 * time.Millisecond
	memoryRetryMaxDelay    = 5 * time.Second

	// memoryMaxAttempts mirrors the broker backend's MaxRetry(5): the first
	// delivery plus five retries, then the task is dropped with an alert.
	memoryMaxAttempts = 6
)

// TaskHandler processes one task payload. A returned error means the task
// should be redelivered, unless the error wraps ErrMalformedTask.
type TaskHandler func(ctx context.Context, payload []byte) error

// ActiveTask is a point-in-time view of a queued task, as exposed on the
// admin surface.
type ActiveTask struct {
	Queue   string          `json:"queue"`
	TaskID  string          `json:"task_id"`
	State   string          `json:"state"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Queue accepts verification and tracking tasks and hands them to
// registered handlers. It runs against the Redis broker when one is
// configured and falls back to an in-memory backend otherwise, or when the
// broker stops answering. The fallback trades durability for availability:
// in-memory tasks do not survive a restart.
type Queue struct {
	mu          sync.Mutex
	client      *asynq.Client
	inspector   *asynq.Inspector
	coordinator *PauseCoordinator
	handlers    map[model.TaskKind]TaskHandler
	memory      map[model.TaskKind][]memoryTask
	useMemory   bool
	reconnects  int
	drainTimer  *time.Timer
}

type memoryTask struct {
	taskID   string
	payload  []byte
	attempts int
}

// NewQueue initializes the queue against the configured broker. When
// cnf.Queue.Broker is false the broker is never dialed and every task runs
// through the in-memory backend.
func NewQueue(cnf *config.Configuration, coordinator *PauseCoordinator) (*Queue, error) {
	q := &Queue{
		coordinator: coordinator,
		handlers:    make(map[model.TaskKind]TaskHandler),
		memory:      make(map[model.TaskKind][]memoryTask),
		useMemory:   !cnf.Queue.Broker,
	}
	if cnf.Queue.Broker {
		redisOption, err := redis_db.ParseRedisURL(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
		q.client = asynq.NewClient(queueOptions)
		q.inspector = asynq.NewInspector(queueOptions)
	}
	if coordinator != nil {
		coordinator.OnPauseStateChange(q.onPauseStateChange)
	}
	return q, nil
}

// RegisterHandler binds a handler to a task kind. The same handler serves
// both backends.
func (q *Queue) RegisterHandler(kind model.TaskKind, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// EnqueueGSTVerification queues a GST verification task. It returns false
// without queuing when intake is paused.
func (q *Queue) EnqueueGSTVerification(ctx context.Context, task *model.GSTVerificationTask) (bool, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	return q.enqueue(ctx, model.TaskKindGSTVerification, task.TaskID, task)
}

// EnqueueDeliveryTracking queues a delivery tracking task. It returns false
// without queuing when intake is paused.
func (q *Queue) EnqueueDeliveryTracking(ctx context.Context, task *model.DeliveryTrackingTask) (bool, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	return q.enqueue(ctx, model.TaskKindDeliveryTracking, task.TaskID, task)
}

func (q *Queue) enqueue(ctx context.Context, kind model.TaskKind, taskID string, payload interface{}) (bool, error) {
	if q.coordinator != nil && q.coordinator.IsPaused() {
		logrus.Infof("queue: dropping %s task %s, oracle is paused", kind, taskID)
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "Adding Task To Queue")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	broker := q.client != nil && !q.useMemory
	q.mu.Unlock()

	if broker {
		queueName := queueNameFor(kind)
		taskOptions := []asynq.Option{asynq.TaskID(taskID), asynq.Queue(queueName), asynq.MaxRetry(5)}
		_, err := q.client.EnqueueContext(ctx, asynq.NewTask(queueName, data, taskOptions...), taskOptions...)
		if err == nil || errors.Is(err, asynq.ErrTaskIDConflict) {
			return true, nil
		}
		logrus.Errorf("queue: broker enqueue failed for %s task %s: %v", kind, taskID, err)
		go q.reconnectBroker()
	}

	q.mu.Lock()
	q.memory[kind] = append(q.memory[kind], memoryTask{taskID: taskID, payload: data})
	q.mu.Unlock()
	q.scheduleDrain()
	return true, nil
}

// reconnectBroker probes the broker with exponential backoff. After the
// retry budget is spent the queue switches to the in-memory backend for
// the rest of the process lifetime.
func (q *Queue) reconnectBroker() {
	q.mu.Lock()
	if q.useMemory || q.inspector == nil {
		q.mu.Unlock()
		return
	}
	q.reconnects++
	if q.reconnects > 1 {
		// a reconnect loop is already running
		q.reconnects--
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	cnf, err := config.Fetch()
	maxAttempts := 10
	if err == nil && cnf.Queue.MaxReconnectAttempts > 0 {
		maxAttempts = cnf.Queue.MaxReconnectAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = brokerReconnectInitial
	bo.MaxInterval = brokerReconnectMax
	bo.MaxElapsedTime = 0

	probe := func() error {
		_, err := q.inspector.Queues()
		return err
	}
	// WithMaxRetries counts retries after the first probe, so the budget is
	// maxAttempts probes in total
	err = backoff.Retry(probe, backoff.WithMaxRetries(bo, uint64(maxAttempts-1)))

	q.mu.Lock()
	q.reconnects = 0
	if err != nil {
		q.useMemory = true
	}
	q.mu.Unlock()

	if err != nil {
		logrus.Errorf("queue: broker unreachable after %d attempts, switching to in-memory backend: %v", maxAttempts, err)
		notification.NotifyAlert("Task queue degraded", "broker unreachable, tasks now held in memory only")
		q.scheduleDrain()
		return
	}
	logrus.Info("queue: broker connection restored")
}

func (q *Queue) onPauseStateChange(state model.PauseState) {
	q.mu.Lock()
	inspector := q.inspector
	memoryMode := q.useMemory
	q.mu.Unlock()

	if inspector != nil && !memoryMode {
		for _, queueName := range []string{queueNameFor(model.TaskKindGSTVerification), queueNameFor(model.TaskKindDeliveryTracking)} {
			var err error
			if state.Paused {
				err = inspector.PauseQueue(queueName)
			} else {
				err = inspector.UnpauseQueue(queueName)
			}
			if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
				logrus.Errorf("queue: pause state change on %s failed: %v", queueName, err)
			}
		}
	}
	if !state.Paused {
		q.scheduleDrain()
	}
}

// scheduleDrain arms a single deferred drain of the in-memory backlog.
// Draining off a timer keeps Enqueue non-blocking and lets a burst of
// enqueues coalesce into one pass.
func (q *Queue) scheduleDrain() {
	q.scheduleDrainAfter(memoryDrainInterval)
}

func (q *Queue) scheduleDrainAfter(delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drainTimer != nil {
		return
	}
	q.drainTimer = time.AfterFunc(delay, q.drainMemory)
}

// memoryRetryDelay doubles the drain interval per delivery attempt so a
// failing dependency is not hammered every tick.
func memoryRetryDelay(attempts int) time.Duration {
	delay := memoryDrainInterval << uint(attempts)
	if delay > memoryRetryMaxDelay || delay <= 0 {
		return memoryRetryMaxDelay
	}
	return delay
}

func (q *Queue) drainMemory() {
	q.mu.Lock()
	q.drainTimer = nil
	if q.coordinator != nil && q.coordinator.IsPaused() {
		// backlog is retained; the unpause listener re-arms the drain
		q.mu.Unlock()
		return
	}
	batch := make(map[model.TaskKind][]memoryTask, len(q.memory))
	for kind, tasks := range q.memory {
		batch[kind] = tasks
		delete(q.memory, kind)
	}
	handlers := make(map[model.TaskKind]TaskHandler, len(q.handlers))
	for kind, handler := range q.handlers {
		handlers[kind] = handler
	}
	q.mu.Unlock()

	ctx := context.Background()
	var retries map[model.TaskKind][]memoryTask
	for kind, tasks := range batch {
		handler := handlers[kind]
		for _, task := range tasks {
			if handler == nil {
				logrus.Errorf("queue: no handler registered for %s, dropping task %s", kind, task.taskID)
				continue
			}
			err := runTaskHandler(ctx, handler, task.payload)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrMalformedTask) {
				logrus.Errorf("queue: dropping malformed %s task %s: %v", kind, task.taskID, err)
				continue
			}
			task.attempts++
			if task.attempts >= memoryMaxAttempts {
				logrus.Errorf("queue: dropping %s task %s after %d attempts: %v", kind, task.taskID, task.attempts, err)
				notification.NotifyError(fmt.Errorf("queue: %s task %s exhausted its retries: %w", kind, task.taskID, err))
				continue
			}
			logrus.Warnf("queue: %s task %s failed (attempt %d), will retry: %v", kind, task.taskID, task.attempts, err)
			if retries == nil {
				retries = make(map[model.TaskKind][]memoryTask)
			}
			retries[kind] = append(retries[kind], task)
		}
	}

	if len(retries) > 0 {
		maxAttempts := 0
		q.mu.Lock()
		for kind, tasks := range retries {
			q.memory[kind] = append(tasks, q.memory[kind]...)
			for _, task := range tasks {
				if task.attempts > maxAttempts {
					maxAttempts = task.attempts
				}
			}
		}
		q.mu.Unlock()
		q.scheduleDrainAfter(memoryRetryDelay(maxAttempts))
	}
}

// runTaskHandler contains handler panics, matching the broker backend
// which recovers and fails the task.
func runTaskHandler(ctx context.Context, handler TaskHandler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx, payload)
}

// NewServeMux builds the asynq mux for the worker process, routing each
// task queue to its registered handler. Malformed payloads are skipped
// rather than retried.
func (q *Queue) NewServeMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, kind := range []model.TaskKind{model.TaskKindGSTVerification, model.TaskKindDeliveryTracking} {
		kind := kind
		mux.HandleFunc(queueNameFor(kind), func(ctx context.Context, t *asynq.Task) error {
			q.mu.Lock()
			handler := q.handlers[kind]
			q.mu.Unlock()
			if handler == nil {
				return fmt.Errorf("no handler registered for %s: %w", kind, asynq.SkipRetry)
			}
			err := handler(ctx, t.Payload())
			if err != nil && errors.Is(err, ErrMalformedTask) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		})
	}
	return mux
}

// ActiveTasks reports tasks currently queued or running, across both
// backends.
func (q *Queue) ActiveTasks() []ActiveTask {
	q.mu.Lock()
	inspector := q.inspector
	memoryMode := q.useMemory
	tasks := make([]ActiveTask, 0)
	for kind, pending := range q.memory {
		for _, task := range pending {
			tasks = append(tasks, ActiveTask{
				Queue:   queueNameFor(kind),
				TaskID:  task.taskID,
				State:   "pending",
				Payload: json.RawMessage(task.payload),
			})
		}
	}
	q.mu.Unlock()

	if inspector == nil || memoryMode {
		return tasks
	}
	for _, queueName := range []string{queueNameFor(model.TaskKindGSTVerification), queueNameFor(model.TaskKindDeliveryTracking)} {
		for state, list := range map[string]func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
			"pending": inspector.ListPendingTasks,
			"active":  inspector.ListActiveTasks,
			"retry":   inspector.ListRetryTasks,
		} {
			infos, err := list(queueName)
			if err != nil {
				continue
			}
			for _, info := range infos {
				tasks = append(tasks, ActiveTask{
					Queue:   queueName,
					TaskID:  info.ID,
					State:   state,
					Payload: json.RawMessage(info.Payload),
				})
			}
		}
	}
	return tasks
}

// Close releases the broker connections.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func queueNameFor(kind model.TaskKind) string {
	cnf, err := config.Fetch()
	if err == nil {
		switch kind {
		case model.TaskKindGSTVerification:
			return cnf.Queue.GSTQueue
		case model.TaskKindDeliveryTracking:
			return cnf.Queue.TrackingQueue
		}
	}
	return "oracle:" + string(kind)
}
