// internal/observer/progress_bar.go
package observer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/listener"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// ProgressBar draws a terminal progress bar from a task's listener
// callbacks.
type ProgressBar struct {
	out      io.Writer
	barWidth int

	mu      sync.Mutex
	total   int64
	current int64
	resumed bool
}

// NewProgressBar creates a progress bar writing to out.
func NewProgressBar(out io.Writer) *ProgressBar {
	return &ProgressBar{
		out:      out,
		barWidth: 50, // columns of the bar itself
		total:    -1,
	}
}

// Listener returns the callbacks that drive the bar. onEnd runs after the
// bar has printed its last line and may be nil.
func (p *ProgressBar) Listener(onEnd func(t *task.DownloadTask, c cause.EndCause, realCause error)) *listener.Listener {
	return listener.New(
		func(t *task.DownloadTask, c cause.EndCause, realCause error, m *listener.Model) {
			p.mu.Lock()
			p.current = m.CurrentOffset
			p.mu.Unlock()
			p.print()
			fmt.Fprintln(p.out)
			if onEnd != nil {
				onEnd(t, c, realCause)
			}
		},
		listener.OnInfoReady(func(_ *task.DownloadTask, info *breakpoint.Info, fromBreakpoint bool, m *listener.Model) {
			p.mu.Lock()
			p.total = info.TotalLength
			p.current = m.CurrentOffset
			p.resumed = fromBreakpoint
			p.mu.Unlock()
			p.print()
		}),
		listener.OnProgress(func(_ *task.DownloadTask, offset int64) {
			p.mu.Lock()
			p.current = offset
			p.mu.Unlock()
			p.print()
		}),
	)
}

// Current returns the last offset the bar drew.
func (p *ProgressBar) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// print redraws the bar on the current line.
func (p *ProgressBar) print() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total <= 0 {
		// Unknown or empty length: only a byte counter.
		fmt.Fprintf(p.out, "\r%.2f MB", float64(p.current)/1024/1024)
		return
	}

	percent := float64(p.current) / float64(p.total)
	if percent > 1 {
		percent = 1
	}
	filledWidth := int(percent * float64(p.barWidth))
	bar := strings.Repeat("=", filledWidth) + strings.Repeat(" ", p.barWidth-filledWidth)

	prefix := ""
	if p.resumed {
		prefix = "(resumed) "
	}
	fmt.Fprintf(p.out, "\r%s[%s] %.2f%% (%.2f/%.2f MB)",
		prefix,
		bar,
		percent*100,
		float64(p.current)/1024/1024,
		float64(p.total)/1024/1024,
	)
}
