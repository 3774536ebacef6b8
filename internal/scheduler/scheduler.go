// Package scheduler は定期実行タスクの登録と取り消しを提供する。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped は停止済みのTickerにタスクを登録しようとした場合のエラー。
var ErrStopped = errors.New("scheduler stopped")

// Task は定期実行される処理。ctxはタスクの取り消しで終了する。
type Task func(ctx context.Context)

// TaskID は登録したタスクの識別子。
type TaskID uint64

// Scheduler は定期タスクを登録・取り消しする。
// KeyCacheは外部から渡されたSchedulerを停止しない（登録したタスクの取り消しのみ行う）。
type Scheduler interface {
	// Schedule はperiodごとにtaskを実行する。初回実行は登録からperiod経過後。
	Schedule(period time.Duration, task Task) (TaskID, error)
	// Cancel はタスクを取り消す。戻った時点でタスクは再実行されない。
	Cancel(id TaskID)
}

// TickSource はperiodごとに時刻を送るチャネルと停止関数を返す。
type TickSource func(period time.Duration) (<-chan time.Time, func())

func stdTickSource(period time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(period)
	return t.C, t.Stop
}

// Option はTickerを設定する。
type Option func(*Ticker)

// WithTickSource はテスト用にティックの供給元を差し替える。
func WithTickSource(src TickSource) Option {
	return func(t *Ticker) {
		t.ticks = src
	}
}

// WithLogger はタスクのpanicを記録するロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(t *Ticker) {
		t.logger = l
	}
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Ticker はタスクごとにgoroutineを起動するScheduler実装。
// goroutineはプロセス終了を妨げない。
type Ticker struct {
	ticks  TickSource
	logger *slog.Logger

	mu      sync.Mutex
	nextID  TaskID
	tasks   map[TaskID]*entry
	stopped bool
}

// NewTicker は新しいTickerを生成する。
func NewTicker(opts ...Option) *Ticker {
	t := &Ticker{
		ticks:  stdTickSource,
		logger: slog.Default(),
		tasks:  make(map[TaskID]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Schedule はperiodごとにtaskを実行するgoroutineを起動する。
func (t *Ticker) Schedule(period time.Duration, task Task) (TaskID, error) {
	if period <= 0 {
		return 0, fmt.Errorf("scheduler: period must be positive, got %s", period)
	}
	if task == nil {
		return 0, errors.New("scheduler: task is nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return 0, ErrStopped
	}

	t.nextID++
	id := t.nextID
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel, done: make(chan struct{})}
	t.tasks[id] = e

	ticks, stop := t.ticks(period)
	go t.run(ctx, id, e, ticks, stop, task)
	return id, nil
}

func (t *Ticker) run(ctx context.Context, id TaskID, e *entry, ticks <-chan time.Time, stop func(), task Task) {
	defer close(e.done)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if ctx.Err() != nil {
				return
			}
			t.fire(ctx, id, task)
		}
	}
}

// fire はタスクを1回実行する。panicしても次のティックは実行される。
func (t *Ticker) fire(ctx context.Context, id TaskID, task Task) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(ctx, "scheduled task panicked",
				"operation", "scheduler_fire",
				"task_id", uint64(id),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	task(ctx)
}

// Cancel はタスクを取り消し、goroutineの終了を待つ。
// タスク自身の中から呼び出してはならない。
func (t *Ticker) Cancel(id TaskID) {
	t.mu.Lock()
	e, ok := t.tasks[id]
	delete(t.tasks, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	<-e.done
}

// Stop は全タスクを取り消し、以降の登録を拒否する。
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	entries := make([]*entry, 0, len(t.tasks))
	for id, e := range t.tasks {
		entries = append(entries, e)
		delete(t.tasks, id)
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

// Len は登録中のタスク数を返す。
func (t *Ticker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

var _ Scheduler = (*Ticker)(nil)
