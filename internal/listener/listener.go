// Package listener delivers the lifecycle of a download task to observers.
//
// A Listener is a set of optional callbacks; only TaskEnd is required. All
// callbacks of one task run on a single goroutine owned by a Dispatcher, so
// a listener never sees two callbacks at once even though blocks are
// fetched concurrently.
package listener

import (
	"net/http"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Model aggregates progress for the Listener4-style callbacks. A Model
// handed to a callback is a private copy.
type Model struct {
	TotalLength   int64
	CurrentOffset int64
	// BlockOffsets holds bytes written per block.
	BlockOffsets []int64
}

func (m *Model) clone() *Model {
	return &Model{
		TotalLength:   m.TotalLength,
		CurrentOffset: m.CurrentOffset,
		BlockOffsets:  append([]int64(nil), m.BlockOffsets...),
	}
}

// Listener holds the callbacks. Nil fields are skipped.
type Listener struct {
	TaskStart         func(t *task.DownloadTask)
	ConnectTrialStart func(t *task.DownloadTask)
	ConnectTrialEnd   func(t *task.DownloadTask, code int, header http.Header)

	DownloadFromBeginning  func(t *task.DownloadTask, info *breakpoint.Info, c cause.ResumeFailedCause)
	DownloadFromBreakpoint func(t *task.DownloadTask, info *breakpoint.Info)
	InfoReady              func(t *task.DownloadTask, info *breakpoint.Info, fromBreakpoint bool, model *Model)

	ConnectStart  func(t *task.DownloadTask, block int, header http.Header)
	ConnectEnd    func(t *task.DownloadTask, block int, code int, header http.Header)
	FetchStart    func(t *task.DownloadTask, block int, contentLength int64)
	FetchProgress func(t *task.DownloadTask, block int, increaseBytes int64)
	ProgressBlock func(t *task.DownloadTask, block int, currentBlockOffset int64)
	Progress      func(t *task.DownloadTask, currentOffset int64)
	FetchEnd      func(t *task.DownloadTask, block int, contentLength int64)
	BlockEnd      func(t *task.DownloadTask, block int, b breakpoint.Block)

	TaskEnd func(t *task.DownloadTask, c cause.EndCause, realCause error, model *Model)
}

// Option sets one optional callback.
type Option func(*Listener)

// New builds a listener from the mandatory TaskEnd callback and any number
// of optional ones. Unset callbacks are no-ops.
func New(onTaskEnd func(t *task.DownloadTask, c cause.EndCause, realCause error, model *Model), opts ...Option) *Listener {
	l := &Listener{TaskEnd: onTaskEnd}
	for _, opt := range opts {
		opt(l)
	}
	return l.withDefaults()
}

func OnTaskStart(fn func(t *task.DownloadTask)) Option {
	return func(l *Listener) { l.TaskStart = fn }
}

func OnConnectTrialStart(fn func(t *task.DownloadTask)) Option {
	return func(l *Listener) { l.ConnectTrialStart = fn }
}

func OnConnectTrialEnd(fn func(t *task.DownloadTask, code int, header http.Header)) Option {
	return func(l *Listener) { l.ConnectTrialEnd = fn }
}

func OnDownloadFromBeginning(fn func(t *task.DownloadTask, info *breakpoint.Info, c cause.ResumeFailedCause)) Option {
	return func(l *Listener) { l.DownloadFromBeginning = fn }
}

func OnDownloadFromBreakpoint(fn func(t *task.DownloadTask, info *breakpoint.Info)) Option {
	return func(l *Listener) { l.DownloadFromBreakpoint = fn }
}

func OnInfoReady(fn func(t *task.DownloadTask, info *breakpoint.Info, fromBreakpoint bool, model *Model)) Option {
	return func(l *Listener) { l.InfoReady = fn }
}

func OnConnectStart(fn func(t *task.DownloadTask, block int, header http.Header)) Option {
	return func(l *Listener) { l.ConnectStart = fn }
}

func OnConnectEnd(fn func(t *task.DownloadTask, block int, code int, header http.Header)) Option {
	return func(l *Listener) { l.ConnectEnd = fn }
}

func OnFetchStart(fn func(t *task.DownloadTask, block int, contentLength int64)) Option {
	return func(l *Listener) { l.FetchStart = fn }
}

func OnFetchProgress(fn func(t *task.DownloadTask, block int, increaseBytes int64)) Option {
	return func(l *Listener) { l.FetchProgress = fn }
}

func OnProgressBlock(fn func(t *task.DownloadTask, block int, currentBlockOffset int64)) Option {
	return func(l *Listener) { l.ProgressBlock = fn }
}

func OnProgress(fn func(t *task.DownloadTask, currentOffset int64)) Option {
	return func(l *Listener) { l.Progress = fn }
}

func OnFetchEnd(fn func(t *task.DownloadTask, block int, contentLength int64)) Option {
	return func(l *Listener) { l.FetchEnd = fn }
}

func OnBlockEnd(fn func(t *task.DownloadTask, block int, b breakpoint.Block)) Option {
	return func(l *Listener) { l.BlockEnd = fn }
}

// withDefaults returns a copy with every nil callback replaced by a no-op.
func (l *Listener) withDefaults() *Listener {
	out := &Listener{}
	if l != nil {
		*out = *l
	}
	if out.TaskStart == nil {
		out.TaskStart = func(*task.DownloadTask) {}
	}
	if out.ConnectTrialStart == nil {
		out.ConnectTrialStart = func(*task.DownloadTask) {}
	}
	if out.ConnectTrialEnd == nil {
		out.ConnectTrialEnd = func(*task.DownloadTask, int, http.Header) {}
	}
	if out.DownloadFromBeginning == nil {
		out.DownloadFromBeginning = func(*task.DownloadTask, *breakpoint.Info, cause.ResumeFailedCause) {}
	}
	if out.DownloadFromBreakpoint == nil {
		out.DownloadFromBreakpoint = func(*task.DownloadTask, *breakpoint.Info) {}
	}
	if out.InfoReady == nil {
		out.InfoReady = func(*task.DownloadTask, *breakpoint.Info, bool, *Model) {}
	}
	if out.ConnectStart == nil {
		out.ConnectStart = func(*task.DownloadTask, int, http.Header) {}
	}
	if out.ConnectEnd == nil {
		out.ConnectEnd = func(*task.DownloadTask, int, int, http.Header) {}
	}
	if out.FetchStart == nil {
		out.FetchStart = func(*task.DownloadTask, int, int64) {}
	}
	if out.FetchProgress == nil {
		out.FetchProgress = func(*task.DownloadTask, int, int64) {}
	}
	if out.ProgressBlock == nil {
		out.ProgressBlock = func(*task.DownloadTask, int, int64) {}
	}
	if out.Progress == nil {
		out.Progress = func(*task.DownloadTask, int64) {}
	}
	if out.FetchEnd == nil {
		out.FetchEnd = func(*task.DownloadTask, int, int64) {}
	}
	if out.BlockEnd == nil {
		out.BlockEnd = func(*task.DownloadTask, int, breakpoint.Block) {}
	}
	if out.TaskEnd == nil {
		out.TaskEnd = func(*task.DownloadTask, cause.EndCause, error, *Model) {}
	}
	return out
}

// Multi fans every callback out to ls in order.
func Multi(ls ...*Listener) *Listener {
	all := make([]*Listener, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			all = append(all, l.withDefaults())
		}
	}
	return &Listener{
		TaskStart: func(t *task.DownloadTask) {
			for _, l := range all {
				l.TaskStart(t)
			}
		},
		ConnectTrialStart: func(t *task.DownloadTask) {
			for _, l := range all {
				l.ConnectTrialStart(t)
			}
		},
		ConnectTrialEnd: func(t *task.DownloadTask, code int, header http.Header) {
			for _, l := range all {
				l.ConnectTrialEnd(t, code, header)
			}
		},
		DownloadFromBeginning: func(t *task.DownloadTask, info *breakpoint.Info, c cause.ResumeFailedCause) {
			for _, l := range all {
				l.DownloadFromBeginning(t, info, c)
			}
		},
		DownloadFromBreakpoint: func(t *task.DownloadTask, info *breakpoint.Info) {
			for _, l := range all {
				l.DownloadFromBreakpoint(t, info)
			}
		},
		InfoReady: func(t *task.DownloadTask, info *breakpoint.Info, fromBreakpoint bool, model *Model) {
			for _, l := range all {
				l.InfoReady(t, info, fromBreakpoint, model)
			}
		},
		ConnectStart: func(t *task.DownloadTask, block int, header http.Header) {
			for _, l := range all {
				l.ConnectStart(t, block, header)
			}
		},
		ConnectEnd: func(t *task.DownloadTask, block int, code int, header http.Header) {
			for _, l := range all {
				l.ConnectEnd(t, block, code, header)
			}
		},
		FetchStart: func(t *task.DownloadTask, block int, contentLength int64) {
			for _, l := range all {
				l.FetchStart(t, block, contentLength)
			}
		},
		FetchProgress: func(t *task.DownloadTask, block int, increaseBytes int64) {
			for _, l := range all {
				l.FetchProgress(t, block, increaseBytes)
			}
		},
		ProgressBlock: func(t *task.DownloadTask, block int, currentBlockOffset int64) {
			for _, l := range all {
				l.ProgressBlock(t, block, currentBlockOffset)
			}
		},
		Progress: func(t *task.DownloadTask, currentOffset int64) {
			for _, l := range all {
				l.Progress(t, currentOffset)
			}
		},
		FetchEnd: func(t *task.DownloadTask, block int, contentLength int64) {
			for _, l := range all {
				l.FetchEnd(t, block, contentLength)
			}
		},
		BlockEnd: func(t *task.DownloadTask, block int, b breakpoint.Block) {
			for _, l := range all {
				l.BlockEnd(t, block, b)
			}
		},
		TaskEnd: func(t *task.DownloadTask, c cause.EndCause, realCause error, model *Model) {
			for _, l := range all {
				l.TaskEnd(t, c, realCause, model)
			}
		},
	}
}
