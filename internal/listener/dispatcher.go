package listener

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

const defaultQueueSize = 256

// Dispatcher is the single delivery point for one task run. Producers on
// any goroutine post events; one consumer goroutine applies them in FIFO
// order, so the events of one block keep the order they were posted in.
//
// The consumer also owns the aggregated Model. Only the consumer touches
// it, so progress ticks take no lock beyond the queue.
type Dispatcher struct {
	task   *task.DownloadTask
	l      *Listener
	logger zerolog.Logger

	mu     sync.Mutex
	queue  chan func()
	ended  bool
	doneCh chan struct{}

	model Model
}

// NewDispatcher starts the consumer goroutine. l may be partially filled.
func NewDispatcher(t *task.DownloadTask, l *Listener, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		task:   t,
		l:      l.withDefaults(),
		logger: logger.With().Str("component", "dispatcher").Str("task", t.ID.String()).Logger(),
		queue:  make(chan func(), defaultQueueSize),
		doneCh: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)
	for fn := range d.queue {
		d.call(fn)
	}
}

// call runs one callback; a panicking listener must not take the consumer
// down with it.
func (d *Dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Listener callback panicked")
		}
	}()
	fn()
}

// post enqueues fn unless the task already ended. It blocks while the queue
// is full, which throttles producers to the speed of the listener.
func (d *Dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ended {
		return
	}
	d.queue <- fn
}

func (d *Dispatcher) TaskStart() {
	d.post(func() { d.l.TaskStart(d.task) })
}

func (d *Dispatcher) ConnectTrialStart() {
	d.post(func() { d.l.ConnectTrialStart(d.task) })
}

func (d *Dispatcher) ConnectTrialEnd(code int, header http.Header) {
	d.post(func() { d.l.ConnectTrialEnd(d.task, code, header) })
}

// DownloadFromBeginning reports a fresh start. info must be a snapshot.
func (d *Dispatcher) DownloadFromBeginning(info *breakpoint.Info, c cause.ResumeFailedCause) {
	d.post(func() { d.l.DownloadFromBeginning(d.task, info, c) })
}

// DownloadFromBreakpoint reports a resume. info must be a snapshot.
func (d *Dispatcher) DownloadFromBreakpoint(info *breakpoint.Info) {
	d.post(func() { d.l.DownloadFromBreakpoint(d.task, info) })
}

// InfoReady seeds the model from info, which must be a snapshot.
func (d *Dispatcher) InfoReady(info *breakpoint.Info, fromBreakpoint bool) {
	d.post(func() {
		d.model.TotalLength = info.TotalLength
		d.model.BlockOffsets = make([]int64, len(info.Blocks))
		d.model.CurrentOffset = 0
		for i, b := range info.Blocks {
			d.model.BlockOffsets[i] = b.Written()
			d.model.CurrentOffset += b.Written()
		}
		d.l.InfoReady(d.task, info, fromBreakpoint, d.model.clone())
	})
}

func (d *Dispatcher) ConnectStart(block int, header http.Header) {
	d.post(func() { d.l.ConnectStart(d.task, block, header) })
}

func (d *Dispatcher) ConnectEnd(block int, code int, header http.Header) {
	d.post(func() { d.l.ConnectEnd(d.task, block, code, header) })
}

func (d *Dispatcher) FetchStart(block int, contentLength int64) {
	d.post(func() { d.l.FetchStart(d.task, block, contentLength) })
}

// FetchProgress reports that block now has written bytes on disk. Updates
// that would move a block backwards are stale and dropped.
func (d *Dispatcher) FetchProgress(block int, written int64) {
	d.post(func() {
		if block < 0 || block >= len(d.model.BlockOffsets) {
			return
		}
		prev := d.model.BlockOffsets[block]
		if written <= prev {
			return
		}
		d.model.BlockOffsets[block] = written
		d.model.CurrentOffset += written - prev
		d.l.FetchProgress(d.task, block, written-prev)
		d.l.ProgressBlock(d.task, block, written)
		d.l.Progress(d.task, d.model.CurrentOffset)
	})
}

// ResetBlock records that block starts over from its left bound. This is
// the only way a block's aggregated offset goes down.
func (d *Dispatcher) ResetBlock(block int) {
	d.post(func() {
		if block < 0 || block >= len(d.model.BlockOffsets) {
			return
		}
		d.model.CurrentOffset -= d.model.BlockOffsets[block]
		d.model.BlockOffsets[block] = 0
		d.l.ProgressBlock(d.task, block, 0)
		d.l.Progress(d.task, d.model.CurrentOffset)
	})
}

func (d *Dispatcher) FetchEnd(block int, contentLength int64) {
	d.post(func() { d.l.FetchEnd(d.task, block, contentLength) })
}

func (d *Dispatcher) BlockEnd(block int, b breakpoint.Block) {
	d.post(func() { d.l.BlockEnd(d.task, block, b) })
}

// End enqueues the TaskEnd callback and stops accepting events. Only the
// first call has an effect.
func (d *Dispatcher) End(c cause.EndCause, realCause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ended {
		return
	}
	d.ended = true
	d.queue <- func() { d.l.TaskEnd(d.task, c, realCause, d.model.clone()) }
	close(d.queue)
}

// Done is closed after TaskEnd has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

// Wait blocks until every queued callback, TaskEnd included, has run.
func (d *Dispatcher) Wait() {
	<-d.doneCh
}
