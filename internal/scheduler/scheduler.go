// Package scheduler runs the blocks of one task concurrently, retrying each
// block from its own offset and persisting progress while they run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/fetcher"
)

// Options configures retries and persistence.
type Options struct {
	// MaxRetries is how many times one block is retried after a transient
	// failure. Zero disables retries.
	MaxRetries int

	// RetryBackoff is the first delay between attempts; it doubles up to
	// RetryMaxBackoff.
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// SaveInterval is how often the breakpoint is persisted while blocks run.
	SaveInterval time.Duration

	Fetch fetcher.Options
}

// DefaultOptions returns the defaults used by the engine.
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
		SaveInterval:    time.Second,
		Fetch:           fetcher.DefaultOptions(),
	}
}

// BlockError is returned when a block fails for good.
type BlockError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// Events is what the scheduler reports besides the fetcher events. The
// listener Dispatcher implements it.
type Events interface {
	fetcher.Events
	ResetBlock(block int)
	BlockEnd(block int, b breakpoint.Block)
}

// Scheduler runs the blocks of a task.
type Scheduler struct {
	tr     client.Transport
	store  breakpoint.Store
	opts   Options
	logger zerolog.Logger
}

// New creates a scheduler.
func New(tr client.Transport, store breakpoint.Store, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	if opts.RetryMaxBackoff < opts.RetryBackoff {
		opts.RetryMaxBackoff = opts.RetryBackoff
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Scheduler{
		tr:     tr,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run fetches every unfinished block of info into out and returns when all
// blocks are done, one block failed for good, or ctx is canceled. No block
// writes to out after Run returns.
func (s *Scheduler) Run(ctx context.Context, info *breakpoint.Info, out io.WriterAt, d Events) error {
	log := s.logger.With().Str("task", info.TaskID.String()).Logger()

	g, gctx := errgroup.WithContext(ctx)

	saveCtx, stopSaver := context.WithCancel(ctx)
	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		s.saveLoop(saveCtx, info, log)
	}()

	for idx := 0; idx < info.BlockCount(); idx++ {
		if info.Block(idx).Done() {
			log.Debug().Int("block", idx).Msg("Block already complete, skipping")
			continue
		}
		idx := idx
		g.Go(func() error {
			if err := s.runBlock(gctx, info, idx, out, d, log); err != nil {
				return err
			}
			d.BlockEnd(idx, info.Block(idx))
			s.save(ctx, info, log)
			return nil
		})
	}

	err := g.Wait()
	stopSaver()
	<-saverDone
	s.save(ctx, info, log)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runBlock fetches one block, retrying transient failures from the block's
// current offset.
func (s *Scheduler) runBlock(ctx context.Context, info *breakpoint.Info, idx int, out io.WriterAt, d Events, log zerolog.Logger) error {
	backoff := retry.NewExponential(s.opts.RetryBackoff)
	backoff = retry.WithCappedDuration(s.opts.RetryMaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(s.opts.MaxRetries), backoff)

	attempts := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 && !info.SupportsRange && info.Block(idx).Written() > 0 {
			// Without ranges the only way back in is from the first byte.
			info.ResetBlock(idx)
			d.ResetBlock(idx)
		}

		err := fetcher.Fetch(ctx, s.tr, info.URL, idx, info, out, d, s.opts.Fetch)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetcher.IsTransient(err) {
			log.Warn().Err(err).Int("block", idx).Int("attempt", attempts).
				Int64("offset", info.Block(idx).CurrentOffset).Msg("Block fetch failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr == nil {
		lastErr = err
	}
	log.Error().Err(lastErr).Int("block", idx).Int("attempts", attempts).Msg("Block failed")
	return &BlockError{Index: idx, Attempts: attempts, Err: lastErr}
}

func (s *Scheduler) saveLoop(ctx context.Context, info *breakpoint.Info, log zerolog.Logger) {
	if s.opts.SaveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.save(ctx, info, log)
		}
	}
}

// save persists a snapshot. A failed save only costs resume progress, so
// it is logged and the download goes on.
func (s *Scheduler) save(ctx context.Context, info *breakpoint.Info, log zerolog.Logger) {
	info.Touch()
	if err := s.store.Save(context.WithoutCancel(ctx), info.Snapshot()); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Failed to save breakpoint")
	}
}
