// Package worker consumes queued download tasks and runs them through the
// engine, mirroring their progress into the status store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/downloader"
	"github.com/Slade66/resumable-fetcher/internal/queue"
	"github.com/Slade66/resumable-fetcher/internal/status"
	"github.com/Slade66/resumable-fetcher/internal/uploader"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Queue delivers tasks to this worker.
type Queue interface {
	Read(ctx context.Context, consumer string, block time.Duration) (*queue.Message, error)
	Pending(ctx context.Context, consumer string) ([]*queue.Message, error)
	Ack(ctx context.Context, id string) error
}

// CancelSource delivers cancel requests by task id.
type CancelSource interface {
	SubscribeCancel(ctx context.Context, fn func(taskID string)) error
}

// Options configures a Worker.
type Options struct {
	Consumer string
	// ReadBlock is how long one queue read waits for a task.
	ReadBlock time.Duration
	// RetryDelay is the pause after a failed queue read.
	RetryDelay time.Duration
	// ProgressInterval throttles progress writes to the status store.
	ProgressInterval time.Duration
	// MaxBlocks caps the connections a queued task may ask for.
	MaxBlocks int
	// Uploader, when set, receives every completed file.
	Uploader uploader.Uploader
}

// Worker runs queued tasks one at a time.
type Worker struct {
	queue  Queue
	engine *downloader.Engine
	sink   status.Sink
	opts   Options
	logger zerolog.Logger
}

// New creates a worker.
func New(q Queue, engine *downloader.Engine, sink status.Sink, opts Options, logger zerolog.Logger) *Worker {
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Worker{
		queue:  q,
		engine: engine,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "worker").Str("consumer", opts.Consumer).Logger(),
	}
}

// Run first resumes the tasks this consumer left unacked, then processes
// new tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	pending, err := w.queue.Pending(ctx, w.opts.Consumer)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read pending tasks")
	}
	for _, msg := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if msg.Task == nil {
			w.ack(ctx, msg.ID)
			continue
		}
		w.logger.Info().Str("task", msg.Task.ID.String()).Msg("Resuming pending task")
		if w.Handle(ctx, msg.Task) {
			w.ack(ctx, msg.ID)
		}
	}

	w.logger.Info().Msg("Worker listening for tasks")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := w.queue.Read(ctx, w.opts.Consumer, w.opts.ReadBlock)
		if errors.Is(err, queue.ErrBadPayload) {
			// Unparseable entries would block the group forever.
			w.logger.Error().Err(err).Str("message", msg.ID).Msg("Skipping malformed task")
			w.ack(ctx, msg.ID)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Dur("retry_in", w.opts.RetryDelay).Msg("Failed to read task queue")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.RetryDelay):
			}
			continue
		}
		if msg == nil {
			continue
		}
		if w.Handle(ctx, msg.Task) {
			w.ack(ctx, msg.ID)
		}
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		w.logger.Error().Err(err).Str("message", id).Msg("Failed to ack task")
	}
}

// Handle runs one task and reports whether its message may be acked. A task
// that failed, or that was stopped because the worker is shutting down,
// stays pending so it can be resumed.
func (w *Worker) Handle(ctx context.Context, t *task.DownloadTask) bool {
	log := w.logger.With().Str("task", t.ID.String()).Logger()
	if w.opts.MaxBlocks > 0 && t.Blocks > w.opts.MaxBlocks {
		log.Warn().Int("requested", t.Blocks).Int("max", w.opts.MaxBlocks).Msg("Clamping block count")
		t.Blocks = w.opts.MaxBlocks
	}
	log.Info().Str("url", t.URL).Str("output", t.OutputPath).Int("blocks", t.Blocks).Msg("Received task")

	c, err := w.engine.Run(ctx, t, status.NewListener(w.sink, w.logger, w.opts.ProgressInterval))

	switch {
	case c == cause.Completed:
		if err := w.upload(ctx, t); err != nil {
			log.Error().Err(err).Msg("Upload failed")
			w.fail(t, err)
			return false
		}
		return true
	case c == cause.Canceled && ctx.Err() != nil:
		log.Info().Msg("Task interrupted by shutdown, leaving it pending")
		return false
	case c == cause.Error || c == cause.PreAllocateFailed:
		log.Error().Err(err).Stringer("cause", c).Msg("Task failed")
		return false
	default:
		// Canceled on request, or rejected as busy.
		return true
	}
}

func (w *Worker) upload(ctx context.Context, t *task.DownloadTask) error {
	if w.opts.Uploader == nil {
		return nil
	}
	return w.opts.Uploader.UploadFile(ctx, uploader.ObjectKey(t), t.OutputPath)
}

func (w *Worker) fail(t *task.DownloadTask, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := w.sink.FinishTask(ctx, t.ID.String(), cause.Error, fmt.Errorf("upload: %w", err)); serr != nil {
		w.logger.Warn().Err(serr).Str("task", t.ID.String()).Msg("Failed to record upload failure")
	}
}

// ListenCancel stops running tasks named by src until ctx ends.
func (w *Worker) ListenCancel(ctx context.Context, src CancelSource) error {
	return src.SubscribeCancel(ctx, func(raw string) {
		id, err := uuid.Parse(raw)
		if err != nil {
			w.logger.Warn().Str("task", raw).Msg("Ignoring cancel request with a bad task id")
			return
		}
		if w.engine.Cancel(id) {
			w.logger.Info().Str("task", raw).Msg("Cancel requested")
		}
	})
}

// Purge drops breakpoints last saved more than maxAge ago.
func Purge(ctx context.Context, p breakpoint.Purger, maxAge time.Duration, logger zerolog.Logger) error {
	n, err := p.PurgeBefore(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info().Int("count", n).Dur("max_age", maxAge).Msg("Purged stale breakpoints")
	}
	return nil
}

// StartPurgeJob schedules Purge every interval. Shut the returned scheduler
// down to stop it.
func StartPurgeJob(p breakpoint.Purger, interval, maxAge time.Duration, logger zerolog.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	log := logger.With().Str("component", "purge").Logger()
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := Purge(context.Background(), p, maxAge, log); err != nil {
				log.Error().Err(err).Msg("Breakpoint purge failed")
			}
		}),
		gocron.WithName("purge-breakpoints"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("failed to create purge job: %w", err)
	}
	s.Start()
	return s, nil
}
