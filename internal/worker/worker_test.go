package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/internal/downloader"
	"github.com/Slade66/resumable-fetcher/internal/queue"
	"github.com/Slade66/resumable-fetcher/internal/status"
	"github.com/Slade66/resumable-fetcher/internal/testutil"
	"github.com/Slade66/resumable-fetcher/pkg/fileinfo"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

type fakeQueue struct {
	msgs    chan *queue.Message
	pending []*queue.Message

	mu    sync.Mutex
	acked []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{msgs: make(chan *queue.Message, 8)}
}

func (q *fakeQueue) Read(ctx context.Context, _ string, block time.Duration) (*queue.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-q.msgs:
		if m.Task == nil {
			return m, queue.ErrBadPayload
		}
		return m, nil
	case <-time.After(block):
		return nil, nil
	}
}

func (q *fakeQueue) Pending(context.Context, string) ([]*queue.Message, error) {
	return q.pending, nil
}

func (q *fakeQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type sink struct {
	mu       sync.Mutex
	finished map[string]cause.EndCause
	errs     map[string]error
}

func newSink() *sink {
	return &sink{finished: make(map[string]cause.EndCause), errs: make(map[string]error)}
}

func (s *sink) MarkRunning(context.Context, string) error { return nil }
func (s *sink) UpdateInfo(context.Context, string, int64, int64, cause.ResumeFailedCause) error {
	return nil
}
func (s *sink) UpdateProgress(context.Context, string, int64) error { return nil }
func (s *sink) PublishEvent(context.Context, status.Event) error    { return nil }

func (s *sink) FinishTask(_ context.Context, id string, c cause.EndCause, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = c
	s.errs[id] = err
	return nil
}

func (s *sink) result(id string) (cause.EndCause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[id], s.errs[id]
}

type fakeUploader struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (u *fakeUploader) UploadFile(_ context.Context, key, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, [2]string{key, path})
	return u.err
}

type harness struct {
	q      *fakeQueue
	sink   *sink
	up     *fakeUploader
	fs     afero.Fs
	store  *breakpoint.MemoryStore
	engine *downloader.Engine
	w      *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		q:     newFakeQueue(),
		sink:  newSink(),
		up:    &fakeUploader{},
		fs:    afero.NewMemMapFs(),
		store: breakpoint.NewMemoryStore(),
	}
	opts := downloader.DefaultOptions()
	opts.Scheduler.RetryBackoff = time.Millisecond
	opts.Scheduler.RetryMaxBackoff = time.Millisecond
	opts.Scheduler.SaveInterval = 5 * time.Millisecond
	h.engine = downloader.New(client.New(client.DefaultOptions()), h.store, h.fs, opts, testutil.NopLogger())
	h.w = New(h.q, h.engine, h.sink, Options{
		Consumer:  "test",
		ReadBlock: 10 * time.Millisecond,
		Uploader:  h.up,
	}, testutil.NopLogger())
	return h
}

// runUntil runs the worker until want messages have been acked or the
// timeout passes.
func (h *harness) runUntil(t *testing.T, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(h.q.ackedIDs()) >= want }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunCompletesAndUploads(t *testing.T) {
	h := newHarness(t)
	data := testutil.Data(5000)
	srv := testutil.NewRangeServer(t, data)

	tk := task.New(srv.URL, "/downloads/a.bin")
	h.q.msgs <- &queue.Message{ID: "1-0", Task: tk}
	h.q.msgs <- &queue.Message{ID: "2-0"}
	h.runUntil(t, 2)

	assert.ElementsMatch(t, []string{"1-0", "2-0"}, h.q.ackedIDs())
	c, err := h.sink.result(tk.ID.String())
	assert.Equal(t, cause.Completed, c)
	assert.NoError(t, err)

	got, err := afero.ReadFile(h.fs, "/downloads/a.bin")
	require.NoError(t, err)
	assert.True(t, testutil.Equal(data, got))
	assert.Equal(t, [][2]string{{"downloads/a.bin", "/downloads/a.bin"}}, h.up.calls)
}

func TestHandleLeavesFailuresPending(t *testing.T) {
	h := newHarness(t)
	dead := httptest.NewServer(nil)
	deadURL := dead.URL
	dead.Close()

	tk := task.New(deadURL, "/a.bin")
	assert.False(t, h.w.Handle(context.Background(), tk))
	c, _ := h.sink.result(tk.ID.String())
	assert.Equal(t, cause.Error, c)
	assert.Empty(t, h.up.calls)
}

func TestHandleClampsBlocks(t *testing.T) {
	h := newHarness(t)
	h.w.opts.MaxBlocks = 2
	srv := testutil.NewRangeServer(t, testutil.Data(4000))

	tk := task.New(srv.URL, "/b.bin")
	tk.Blocks = 50
	assert.True(t, h.w.Handle(context.Background(), tk))
	assert.Equal(t, 2, tk.Blocks)
	assert.Len(t, srv.Ranges(), 2)
}

func TestHandleUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.up.err = errors.New("bucket gone")
	srv := testutil.NewRangeServer(t, testutil.Data(100))

	tk := task.New(srv.URL, "/a.bin")
	assert.False(t, h.w.Handle(context.Background(), tk))
	c, err := h.sink.result(tk.ID.String())
	assert.Equal(t, cause.Error, c)
	assert.ErrorContains(t, err, "bucket gone")
}

func TestRunResumesPendingFirst(t *testing.T) {
	h := newHarness(t)
	srv := testutil.NewRangeServer(t, testutil.Data(100))
	tk := task.New(srv.URL, "/p.bin")
	h.q.pending = []*queue.Message{{ID: "0-1", Task: tk}, {ID: "0-2"}}

	h.runUntil(t, 2)
	assert.Equal(t, []string{"0-1", "0-2"}, h.q.ackedIDs()[:2])
	c, _ := h.sink.result(tk.ID.String())
	assert.Equal(t, cause.Completed, c)
}

type cancelSource chan string

func (s cancelSource) SubscribeCancel(ctx context.Context, fn func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s:
			fn(id)
		}
	}
}

func TestListenCancel(t *testing.T) {
	h := newHarness(t)
	srv := testutil.NewRangeServer(t, testutil.Data(5000), testutil.WithStall(func(start int64, attempt int) int64 {
		return 100
	}))
	tk := task.New(srv.URL, "/c.bin")
	tk.Blocks = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := make(cancelSource)
	go h.w.ListenCancel(ctx, src)

	result := make(chan bool, 1)
	go func() { result <- h.w.Handle(ctx, tk) }()

	require.Eventually(t, func() bool {
		saved, err := h.store.Load(context.Background(), tk.ID)
		return err == nil && saved.TotalOffset() == 100
	}, 5*time.Second, 5*time.Millisecond)
	src <- "not-a-uuid"
	src <- tk.ID.String()

	select {
	case acked := <-result:
		assert.True(t, acked, "a task canceled on request is acked")
	case <-time.After(5 * time.Second):
		t.Fatal("task was not canceled")
	}
	c, _ := h.sink.result(tk.ID.String())
	assert.Equal(t, cause.Canceled, c)

	saved, err := h.store.Load(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), saved.TotalOffset())
}

func TestHandleShutdownLeavesPending(t *testing.T) {
	h := newHarness(t)
	srv := testutil.NewRangeServer(t, testutil.Data(5000), testutil.WithStall(func(start int64, attempt int) int64 {
		return 100
	}))
	tk := task.New(srv.URL, "/s.bin")

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() { result <- h.w.Handle(ctx, tk) }()
	require.Eventually(t, func() bool { return len(h.engine.Running()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case acked := <-result:
		assert.False(t, acked)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}
}

func oldRecord(t *testing.T, age time.Duration) *breakpoint.Info {
	t.Helper()
	info := breakpoint.NewInfo(task.New("https://example.com/a", "/a"), &fileinfo.Info{Size: 10, AcceptsRanges: true},
		[]breakpoint.Block{breakpoint.NewBlock(0, 9)})
	info.UpdatedAt = time.Now().Add(-age)
	return info
}

func TestPurge(t *testing.T) {
	store := breakpoint.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, oldRecord(t, 10*24*time.Hour)))
	require.NoError(t, store.Save(ctx, oldRecord(t, time.Minute)))

	require.NoError(t, Purge(ctx, store, 7*24*time.Hour, testutil.NopLogger()))
	assert.Equal(t, 1, store.Len())
}

func TestStartPurgeJob(t *testing.T) {
	store := breakpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), oldRecord(t, 48*time.Hour)))

	s, err := StartPurgeJob(store, time.Hour, 24*time.Hour, testutil.NopLogger())
	require.NoError(t, err)
	defer s.Shutdown()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
