// internal/downloader/downloader.go
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/listener"
	"github.com/Slade66/resumable-fetcher/internal/output"
	"github.com/Slade66/resumable-fetcher/internal/planner"
	"github.com/Slade66/resumable-fetcher/internal/scheduler"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Options configures the engine.
type Options struct {
	Planner   planner.Options
	Scheduler scheduler.Options
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Planner:   planner.Options{MaxBlocks: planner.DefaultMaxBlocks},
		Scheduler: scheduler.DefaultOptions(),
	}
}

var (
	// ErrSameTaskBusy is the cause attached to a SameTaskBusy end.
	ErrSameTaskBusy = errors.New("downloader: task is already running")
	// ErrFileBusy is the cause attached to a FileBusy end.
	ErrFileBusy = errors.New("downloader: destination is used by another task")
)

// Engine runs download tasks. Each task is probed, checked against its
// saved breakpoint, split into blocks and fetched; its listener receives
// exactly one TaskEnd per Start.
type Engine struct {
	tr     client.Transport
	store  breakpoint.Store
	fs     *output.FS
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*Handle
	paths   map[string]uuid.UUID
}

// New creates an engine. fs is where destination files live; pass
// afero.NewOsFs() for the real file system.
func New(tr client.Transport, store breakpoint.Store, fs afero.Fs, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		tr:      tr,
		store:   store,
		fs:      output.New(fs),
		opts:    opts,
		logger:  logger.With().Str("component", "downloader").Logger(),
		running: make(map[uuid.UUID]*Handle),
		paths:   make(map[string]uuid.UUID),
	}
}

// Handle tracks one started task.
type Handle struct {
	Task *task.DownloadTask

	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}
	cause    cause.EndCause
	err      error
}

func newHandle(t *task.DownloadTask, cancel context.CancelFunc) *Handle {
	return &Handle{Task: t, cancel: cancel, done: make(chan struct{})}
}

// Cancel asks the task to stop. It returns at once; Wait reports the end.
func (h *Handle) Cancel() {
	h.canceled.Store(true)
	h.cancel()
}

// Done is closed once the task has ended and its TaskEnd callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task ends and returns its end cause.
func (h *Handle) Wait() (cause.EndCause, error) {
	<-h.done
	return h.cause, h.err
}

func (h *Handle) finish(c cause.EndCause, err error) {
	h.cause = c
	h.err = err
	h.cancel()
	close(h.done)
}

// Start launches t and returns immediately. l may set only the callbacks it
// cares about.
func (e *Engine) Start(ctx context.Context, t *task.DownloadTask, l *listener.Listener) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle(t, cancel)
	d := listener.NewDispatcher(t, l, e.logger)

	if err := t.Validate(); err != nil {
		go e.reject(h, d, cause.Error, err)
		return h
	}

	e.mu.Lock()
	if _, busy := e.running[t.ID]; busy {
		e.mu.Unlock()
		go e.reject(h, d, cause.SameTaskBusy, ErrSameTaskBusy)
		return h
	}
	if owner, busy := e.paths[t.CleanPath()]; busy {
		e.mu.Unlock()
		go e.reject(h, d, cause.FileBusy, fmt.Errorf("%w: %s", ErrFileBusy, owner))
		return h
	}
	e.running[t.ID] = h
	e.paths[t.CleanPath()] = t.ID
	e.mu.Unlock()

	go e.run(runCtx, h, d)
	return h
}

// Run starts t and waits for it to end.
func (e *Engine) Run(ctx context.Context, t *task.DownloadTask, l *listener.Listener) (cause.EndCause, error) {
	return e.Start(ctx, t, l).Wait()
}

// Cancel stops the running task with the given id. It reports whether such
// a task was running.
func (e *Engine) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	h, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// Running returns the ids of the tasks currently running.
func (e *Engine) Running() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) reject(h *Handle, d *listener.Dispatcher, c cause.EndCause, err error) {
	e.logger.Warn().Err(err).Str("task", h.Task.ID.String()).Stringer("cause", c).Msg("Task rejected")
	d.End(c, err)
	d.Wait()
	h.finish(c, err)
}

func (e *Engine) release(t *task.DownloadTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, t.ID)
	if e.paths[t.CleanPath()] == t.ID {
		delete(e.paths, t.CleanPath())
	}
}
