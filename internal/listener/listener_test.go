package listener

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/testutil"
	"github.com/Slade66/resumable-fetcher/pkg/fileinfo"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

func newTask() *task.DownloadTask {
	return &task.DownloadTask{ID: uuid.New(), URL: "http://example.com/f", OutputPath: "/tmp/f"}
}

func newInfo(tk *task.DownloadTask, blocks int) *breakpoint.Info {
	bs := make([]breakpoint.Block, blocks)
	for i := range bs {
		bs[i] = breakpoint.NewBlock(int64(i*1000), int64(i*1000+999))
	}
	return breakpoint.NewInfo(tk, &fileinfo.Info{Size: int64(blocks * 1000), AcceptsRanges: true}, bs)
}

func TestNewDefaultsMissingCallbacks(t *testing.T) {
	var ended int
	l := New(func(*task.DownloadTask, cause.EndCause, error, *Model) { ended++ })

	require.NotNil(t, l.TaskStart)
	require.NotNil(t, l.FetchProgress)
	l.TaskStart(nil)
	l.ConnectEnd(nil, 0, 200, nil)
	l.TaskEnd(nil, cause.Completed, nil, nil)
	assert.Equal(t, 1, ended)
}

func TestDispatcherSerializesBlocks(t *testing.T) {
	tk := newTask()
	const blocks = 4
	const ticks = 200

	var inFlight, maxInFlight atomic.Int32
	enter := func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
	}
	leave := func() { inFlight.Add(-1) }

	perBlock := make([][]string, blocks)
	record := func(block int, ev string) {
		enter()
		defer leave()
		perBlock[block] = append(perBlock[block], ev)
	}

	var model *Model
	l := New(
		func(_ *task.DownloadTask, c cause.EndCause, _ error, m *Model) {
			enter()
			defer leave()
			assert.Equal(t, cause.Completed, c)
			model = m
		},
		OnConnectStart(func(_ *task.DownloadTask, b int, _ http.Header) { record(b, "connectStart") }),
		OnConnectEnd(func(_ *task.DownloadTask, b int, _ int, _ http.Header) { record(b, "connectEnd") }),
		OnFetchStart(func(_ *task.DownloadTask, b int, _ int64) { record(b, "fetchStart") }),
		OnFetchProgress(func(_ *task.DownloadTask, b int, _ int64) { record(b, "fetchProgress") }),
		OnFetchEnd(func(_ *task.DownloadTask, b int, _ int64) { record(b, "fetchEnd") }),
		OnBlockEnd(func(_ *task.DownloadTask, b int, _ breakpoint.Block) { record(b, "blockEnd") }),
	)

	d := NewDispatcher(tk, l, testutil.NopLogger())
	d.InfoReady(newInfo(tk, blocks).Snapshot(), false)

	var wg sync.WaitGroup
	for b := 0; b < blocks; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			d.ConnectStart(b, nil)
			d.ConnectEnd(b, http.StatusPartialContent, nil)
			d.FetchStart(b, 1000)
			for i := 1; i <= ticks; i++ {
				d.FetchProgress(b, int64(i*5))
			}
			d.FetchEnd(b, 1000)
			d.BlockEnd(b, breakpoint.Block{})
		}(b)
	}
	wg.Wait()
	d.End(cause.Completed, nil)
	d.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "callbacks overlapped")
	for b := 0; b < blocks; b++ {
		evs := perBlock[b]
		require.Len(t, evs, 5+ticks, "block %d", b)
		assert.Equal(t, []string{"connectStart", "connectEnd", "fetchStart"}, evs[:3])
		for _, ev := range evs[3 : 3+ticks] {
			assert.Equal(t, "fetchProgress", ev)
		}
		assert.Equal(t, []string{"fetchEnd", "blockEnd"}, evs[3+ticks:])
	}
	require.NotNil(t, model)
	assert.Equal(t, int64(blocks*ticks*5), model.CurrentOffset)
	assert.Equal(t, []int64{1000, 1000, 1000, 1000}, model.BlockOffsets)
}

func TestDispatcherDropsStaleProgress(t *testing.T) {
	tk := newTask()
	var increases []int64
	var offsets []int64
	var model *Model

	l := New(
		func(_ *task.DownloadTask, _ cause.EndCause, _ error, m *Model) { model = m },
		OnFetchProgress(func(_ *task.DownloadTask, _ int, n int64) { increases = append(increases, n) }),
		OnProgress(func(_ *task.DownloadTask, off int64) { offsets = append(offsets, off) }),
	)
	d := NewDispatcher(tk, l, testutil.NopLogger())
	d.InfoReady(newInfo(tk, 2).Snapshot(), false)
	d.FetchProgress(0, 100)
	d.FetchProgress(0, 50)
	d.FetchProgress(0, 100)
	d.FetchProgress(1, 30)
	d.FetchProgress(7, 30)
	d.End(cause.Canceled, nil)
	d.Wait()

	assert.Equal(t, []int64{100, 30}, increases)
	assert.Equal(t, []int64{100, 130}, offsets)
	assert.Equal(t, int64(130), model.CurrentOffset)
}

func TestDispatcherResetBlock(t *testing.T) {
	tk := newTask()
	var model *Model
	d := NewDispatcher(tk, New(func(_ *task.DownloadTask, _ cause.EndCause, _ error, m *Model) { model = m }), testutil.NopLogger())

	d.InfoReady(newInfo(tk, 1).Snapshot(), false)
	d.FetchProgress(0, 400)
	d.ResetBlock(0)
	d.FetchProgress(0, 100)
	d.End(cause.Completed, nil)
	d.Wait()

	assert.Equal(t, int64(100), model.CurrentOffset)
}

func TestDispatcherResumeSeedsModel(t *testing.T) {
	tk := newTask()
	info := newInfo(tk, 2)
	_, err := info.Advance(1, 250)
	require.NoError(t, err)

	var ready *Model
	l := New(func(*task.DownloadTask, cause.EndCause, error, *Model) {},
		OnInfoReady(func(_ *task.DownloadTask, _ *breakpoint.Info, from bool, m *Model) {
			assert.True(t, from)
			ready = m
		}))
	d := NewDispatcher(tk, l, testutil.NopLogger())
	d.InfoReady(info.Snapshot(), true)
	d.End(cause.Completed, nil)
	d.Wait()

	require.NotNil(t, ready)
	assert.Equal(t, []int64{0, 250}, ready.BlockOffsets)
	assert.Equal(t, int64(250), ready.CurrentOffset)
	assert.Equal(t, int64(2000), ready.TotalLength)
}

func TestDispatcherTaskEndExactlyOnce(t *testing.T) {
	tk := newTask()
	var ends []cause.EndCause
	var errs []error
	var afterEnd bool

	l := New(
		func(_ *task.DownloadTask, c cause.EndCause, err error, _ *Model) {
			ends = append(ends, c)
			errs = append(errs, err)
		},
		OnTaskStart(func(*task.DownloadTask) { afterEnd = true }),
	)
	d := NewDispatcher(tk, l, testutil.NopLogger())
	boom := errors.New("boom")
	d.End(cause.Error, boom)
	d.End(cause.Completed, nil)
	d.TaskStart()
	d.Wait()

	assert.Equal(t, []cause.EndCause{cause.Error}, ends)
	assert.ErrorIs(t, errs[0], boom)
	assert.False(t, afterEnd)
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}
}

func TestDispatcherSurvivesPanickingListener(t *testing.T) {
	tk := newTask()
	var ended bool
	l := New(
		func(*task.DownloadTask, cause.EndCause, error, *Model) { ended = true },
		OnTaskStart(func(*task.DownloadTask) { panic("listener bug") }),
	)
	d := NewDispatcher(tk, l, testutil.NopLogger())
	d.TaskStart()
	d.End(cause.Completed, nil)
	d.Wait()
	assert.True(t, ended)
}

func TestMulti(t *testing.T) {
	var got []string
	mk := func(name string) *Listener {
		return New(
			func(*task.DownloadTask, cause.EndCause, error, *Model) { got = append(got, name+":end") },
			OnTaskStart(func(*task.DownloadTask) { got = append(got, name+":start") }),
		)
	}
	partial := &Listener{BlockEnd: func(*task.DownloadTask, int, breakpoint.Block) { got = append(got, "partial:block") }}

	m := Multi(mk("a"), nil, partial, mk("b"))
	d := NewDispatcher(newTask(), m, testutil.NopLogger())
	d.TaskStart()
	d.BlockEnd(0, breakpoint.Block{})
	d.End(cause.Completed, nil)
	d.Wait()

	assert.Equal(t, []string{"a:start", "b:start", "partial:block", "a:end", "b:end"}, got)
}

func ExampleNew() {
	l := New(
		func(t *task.DownloadTask, c cause.EndCause, realCause error, m *Model) {
			fmt.Println("end:", c, m.CurrentOffset)
		},
		OnTaskStart(func(*task.DownloadTask) { fmt.Println("start") }),
	)

	tk := newTask()
	d := NewDispatcher(tk, l, testutil.NopLogger())
	d.TaskStart()
	d.End(cause.Completed, nil)
	d.Wait()
	// Output:
	// start
	// end: completed 0
}
