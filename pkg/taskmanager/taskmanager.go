package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrTooManyTasks  = errors.New("maximum number of active tasks exceeded")
	ErrManagerClosed = errors.New("task manager is closed")
)

// ITaskManager определяет интерфейс для управления фоновыми задачами
type ITaskManager interface {
	SubmitTask(ctx context.Context, spec TaskSpec, taskFunc TaskFunc) (uuid.UUID, error)
	CancelOwner(ownerID string) int
	Stats() Stats
	WaitIdle(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// TaskSpec описывает задачу: владельца (для групповой отмены) и имя для логов.
type TaskSpec struct {
	OwnerID string
	Name    string
}

// Task представляет асинхронную задачу.
// A task is tracked only while it is active; it is forgotten once it finishes.
type Task struct {
	ID        uuid.UUID
	OwnerID   string
	Name      string
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	cancel context.CancelFunc
}

// TaskStatus представляет статус задачи
type TaskStatus string

// Возможные статусы задач
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Done reports whether the status is terminal.
func (s TaskStatus) Done() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskFunc представляет функцию, выполняемую в задаче
type TaskFunc func(ctx context.Context) error

// Stats - счетчики задач с момента запуска менеджера.
type Stats struct {
	Active    int    `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

// Config содержит конфигурацию для TaskManager
type Config struct {
	MaxTasks int
	// TaskTimeout limits a single task; zero means no limit.
	TaskTimeout time.Duration
}

// TaskManager управляет асинхронными задачами
type TaskManager struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*Task
	maxTasks int
	timeout  time.Duration
	stats    Stats
	closed   bool
	wg       sync.WaitGroup
	idle     *sync.Cond
}

// New создает новый экземпляр TaskManager
func New(cfg Config) *TaskManager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}
	tm := &TaskManager{
		tasks:    make(map[uuid.UUID]*Task),
		maxTasks: maxTasks,
		timeout:  cfg.TaskTimeout,
	}
	tm.idle = sync.NewCond(&tm.mu)
	return tm
}

// SubmitTask создает и запускает новую задачу.
// The task context is detached from ctx (only the logger is inherited) so the
// task outlives the request that scheduled it.
func (tm *TaskManager) SubmitTask(ctx context.Context, spec TaskSpec, taskFunc TaskFunc) (uuid.UUID, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return uuid.Nil, ErrManagerClosed
	}
	if len(tm.tasks) >= tm.maxTasks {
		return uuid.Nil, ErrTooManyTasks
	}

	taskID := uuid.New()
	baseTaskCtx, cancel := context.WithCancel(context.Background())
	if tm.timeout > 0 {
		var cancelTimeout context.CancelFunc
		baseTaskCtx, cancelTimeout = context.WithTimeout(baseTaskCtx, tm.timeout)
		parentCancel := cancel
		cancel = func() { cancelTimeout(); parentCancel() }
	}
	taskCtx := log.Ctx(ctx).With().
		Str("taskID", taskID.String()).
		Str("task", spec.Name).
		Str("owner", spec.OwnerID).
		Logger().WithContext(baseTaskCtx)

	now := time.Now()
	task := &Task{
		ID:        taskID,
		OwnerID:   spec.OwnerID,
		Name:      spec.Name,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}
	tm.tasks[taskID] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer cancel()
		tm.runTask(taskCtx, task, taskFunc)
	}()

	return taskID, nil
}

// runTask выполняет задачу и обновляет ее статус
func (tm *TaskManager) runTask(ctx context.Context, task *Task, taskFunc TaskFunc) {
	if !tm.setRunning(task) {
		tm.finish(ctx, task, TaskStatusCancelled, "cancelled before start")
		return
	}

	err := taskFunc(ctx)

	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		log.Ctx(ctx).Info().Msg("task context cancelled")
		tm.finish(ctx, task, TaskStatusCancelled, "task cancelled")
	case ctx.Err() != nil:
		log.Ctx(ctx).Error().Err(ctx.Err()).Msg("task context error")
		tm.finish(ctx, task, TaskStatusFailed, fmt.Sprintf("context error: %v", ctx.Err()))
	case err != nil:
		log.Ctx(ctx).Error().Err(err).Msg("task failed")
		tm.finish(ctx, task, TaskStatusFailed, err.Error())
	default:
		log.Ctx(ctx).Debug().Msg("task completed")
		tm.finish(ctx, task, TaskStatusCompleted, "")
	}
}

func (tm *TaskManager) setRunning(task *Task) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if task.Status != TaskStatusPending {
		return false
	}
	task.Status = TaskStatusRunning
	task.UpdatedAt = time.Now()
	return true
}

// finish фиксирует терминальный статус и убирает задачу из реестра.
func (tm *TaskManager) finish(ctx context.Context, task *Task, status TaskStatus, message string) {
	tm.mu.Lock()
	// CancelOwner may already have marked the task; keep the first terminal status.
	if !task.Status.Done() {
		task.Status = status
	}
	switch task.Status {
	case TaskStatusCompleted:
		tm.stats.Completed++
	case TaskStatusFailed:
		tm.stats.Failed++
	default:
		tm.stats.Cancelled++
	}
	final := task.Status
	delete(tm.tasks, task.ID)
	if len(tm.tasks) == 0 {
		tm.idle.Broadcast()
	}
	tm.mu.Unlock()

	log.Ctx(ctx).Debug().Str("status", string(final)).Str("message", message).Msg("task status updated")
}

// CancelOwner отменяет все активные задачи владельца и возвращает их количество.
func (tm *TaskManager) CancelOwner(ownerID string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	n := 0
	for _, task := range tm.tasks {
		if task.OwnerID == ownerID && !task.Status.Done() {
			tm.cancelLocked(task)
			n++
		}
	}
	return n
}

func (tm *TaskManager) cancelLocked(task *Task) {
	if task.cancel != nil {
		task.cancel()
	}
	task.Status = TaskStatusCancelled
	task.UpdatedAt = time.Now()
}

// Stats возвращает число активных задач и итоги завершенных.
func (tm *TaskManager) Stats() Stats {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	s := tm.stats
	s.Active = len(tm.tasks)
	return s
}

// WaitIdle blocks until no task is active or ctx is done.
func (tm *TaskManager) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tm.mu.Lock()
		for len(tm.tasks) > 0 && ctx.Err() == nil {
			tm.idle.Wait()
		}
		tm.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// wake the waiter so the goroutine exits
		tm.mu.Lock()
		tm.idle.Broadcast()
		tm.mu.Unlock()
		return ctx.Err()
	}
}

// Shutdown отменяет новые задачи и ожидает завершения текущих с таймаутом
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	tm.closed = true
	tm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		tm.mu.Lock()
		for _, task := range tm.tasks {
			if !task.Status.Done() {
				tm.cancelLocked(task)
			}
		}
		tm.mu.Unlock()
		return errors.New("timeout waiting for tasks to finish")
	}
}

var _ ITaskManager = (*TaskManager)(nil)
