// internal/downloader/task.go
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/fetcher"
	"github.com/Slade66/resumable-fetcher/internal/listener"
	"github.com/Slade66/resumable-fetcher/internal/output"
	"github.com/Slade66/resumable-fetcher/internal/planner"
	"github.com/Slade66/resumable-fetcher/internal/scheduler"
)

// run drives one task from probe to its single TaskEnd.
func (e *Engine) run(ctx context.Context, h *Handle, d *listener.Dispatcher) {
	log := e.logger.With().Str("task", h.Task.ID.String()).Str("url", h.Task.URL).Logger()
	log.Info().Str("output", h.Task.OutputPath).Msg("Task started")

	d.TaskStart()
	c, err := e.execute(ctx, h, d, log)
	if c == cause.Error && ctx.Err() != nil {
		// Whatever broke while stopping is a consequence of the cancel.
		c, err = cause.Canceled, nil
	}

	switch c {
	case cause.Completed:
		log.Info().Msg("Task completed")
	case cause.Canceled:
		log.Info().Msg("Task canceled")
	default:
		log.Error().Err(err).Stringer("cause", c).Msg("Task failed")
	}

	e.release(h.Task)
	d.End(c, err)
	d.Wait()
	h.finish(c, err)
}

// maxChangeRestarts bounds how often one run starts over because the
// resource changed while its blocks were fetched.
const maxChangeRestarts = 1

func (e *Engine) execute(ctx context.Context, h *Handle, d *listener.Dispatcher, log zerolog.Logger) (cause.EndCause, error) {
	var changed *fetcher.ChangedError
	for restarts := 0; ; restarts++ {
		c, err := e.attempt(ctx, h, d, log, changed)
		if ctx.Err() != nil || restarts >= maxChangeRestarts || !errors.As(err, &changed) {
			return c, err
		}
		log.Warn().Err(err).Msg("Resource changed during download, starting over")
		if err := e.store.Remove(context.WithoutCancel(ctx), h.Task.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to remove breakpoint")
		}
	}
}

// attempt runs the task once. A non-nil changed forces a fresh start and is
// reported as its cause.
func (e *Engine) attempt(ctx context.Context, h *Handle, d *listener.Dispatcher, log zerolog.Logger, changed *fetcher.ChangedError) (cause.EndCause, error) {
	t := h.Task

	d.ConnectTrialStart()
	probe, err := e.tr.Probe(ctx, t.URL)
	if err != nil {
		code := 0
		var se *client.StatusError
		if errors.As(err, &se) {
			code = se.Code
		} else if errors.Is(err, client.ErrNotFound) {
			code = http.StatusNotFound
		}
		d.ConnectTrialEnd(code, nil)
		return cause.Error, fmt.Errorf("probe: %w", err)
	}
	d.ConnectTrialEnd(probe.StatusCode, probe.Header)

	stored, err := e.store.Load(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, breakpoint.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to load breakpoint, starting over")
		}
		stored = nil
	}

	state, err := e.fs.Stat(t.OutputPath)
	if err != nil {
		return cause.Error, fmt.Errorf("stat output: %w", err)
	}

	decision := breakpoint.Decide(stored, t, probe, state)
	if changed != nil {
		decision = breakpoint.Decision{Cause: changed.Cause}
	}
	var info *breakpoint.Info
	if decision.Resume {
		info = stored
		log.Info().Int64("offset", info.TotalOffset()).Int64("total", info.TotalLength).Msg("Resuming from breakpoint")
		d.DownloadFromBreakpoint(info.Snapshot())
	} else {
		popts := e.opts.Planner
		if t.Blocks > 0 {
			popts.MaxBlocks = t.Blocks
		}
		info = breakpoint.NewInfo(t, probe, planner.Plan(probe.Size, probe.AcceptsRanges, popts))
		log.Info().Stringer("reason", decision.Cause).Int("blocks", len(info.Blocks)).
			Int64("total", info.TotalLength).Msg("Downloading from beginning")
		d.DownloadFromBeginning(info.Snapshot(), decision.Cause)
	}

	out, err := e.fs.Open(t.OutputPath, !decision.Resume)
	if err != nil {
		return cause.Error, err
	}
	defer out.Close()

	if !decision.Resume && info.TotalLength > 0 {
		if err := out.Preallocate(info.TotalLength); err != nil {
			return cause.PreAllocateFailed, fmt.Errorf("pre-allocate %d bytes: %w", info.TotalLength, err)
		}
	}

	info.Touch()
	if err := e.store.Save(ctx, info.Snapshot()); err != nil {
		log.Warn().Err(err).Msg("Failed to save breakpoint")
	}
	d.InfoReady(info.Snapshot(), decision.Resume)

	s := scheduler.New(e.tr, e.store, e.opts.Scheduler, e.logger)
	if err := s.Run(ctx, info, out, d); err != nil {
		if ctx.Err() != nil {
			return cause.Canceled, nil
		}
		return cause.Error, err
	}

	if err := e.finalize(ctx, info, out); err != nil {
		return cause.Error, err
	}
	return cause.Completed, nil
}

// finalize checks that every byte arrived, fixes the file length and drops
// the breakpoint.
func (e *Engine) finalize(ctx context.Context, info *breakpoint.Info, out output.File) error {
	written := info.TotalOffset()
	length := info.TotalLength
	if info.Chunked() {
		length = written
	} else if written != length {
		return fmt.Errorf("finalize: wrote %d of %d bytes", written, length)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("finalize: sync: %w", err)
	}
	if err := out.Truncate(length); err != nil {
		return fmt.Errorf("finalize: truncate: %w", err)
	}
	if err := e.store.Remove(context.WithoutCancel(ctx), info.TaskID); err != nil {
		e.logger.Warn().Err(err).Str("task", info.TaskID.String()).Msg("Failed to remove breakpoint")
	}
	return nil
}
