package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slade66/resumable-fetcher/internal/status"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackend struct {
	mu        sync.Mutex
	queued    []*task.DownloadTask
	statuses  map[string]*status.StatusInfo
	canceled  []string
	events    chan status.Event
	failQueue bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{statuses: make(map[string]*status.StatusInfo), events: make(chan status.Event, 8)}
}

func (f *fakeBackend) Enqueue(_ context.Context, t *task.DownloadTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQueue {
		return errors.New("redis down")
	}
	f.queued = append(f.queued, t)
	return nil
}

func (f *fakeBackend) InitTaskStatus(_ context.Context, t *task.DownloadTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[t.ID.String()] = &status.StatusInfo{ID: t.ID.String(), URL: t.URL, OutputPath: t.OutputPath, Status: status.Queued}
	return nil
}

func (f *fakeBackend) GetTask(_ context.Context, id string) (*status.StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.statuses[id]
	if !ok {
		return nil, status.ErrTaskNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *fakeBackend) GetAllTasks(context.Context) ([]status.StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []status.StatusInfo{}
	for _, info := range f.statuses {
		out = append(out, *info)
	}
	return out, nil
}

func (f *fakeBackend) PublishCancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeBackend) SubscribeEvents(context.Context, string) (<-chan status.Event, error) {
	return f.events, nil
}

func newTestServer(b *fakeBackend) *gin.Engine {
	return NewServer(b, b, Config{OutputDir: "/downloads", DefaultBlocks: 4, MaxBlocks: 16}, zerolog.Nop()).Router()
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDownloadQueuesTask(t *testing.T) {
	b := newFakeBackend()
	r := newTestServer(b)

	w := do(r, http.MethodPost, "/api/download", `{"url":"https://example.com/files/a.iso","blocks":64}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, b.queued, 1)
	q := b.queued[0]
	assert.Equal(t, q.ID.String(), resp["task_id"])
	assert.Equal(t, "/downloads/a.iso", q.OutputPath)
	assert.Equal(t, 16, q.Blocks, "block count is capped")
	assert.Equal(t, status.Queued, b.statuses[q.ID.String()].Status)
}

func TestDownloadRejectsBadRequests(t *testing.T) {
	b := newFakeBackend()
	r := newTestServer(b)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/download", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/download", `{"url":"ftp://x/a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/download", `{"url":"https://example.com/"}`).Code)
	assert.Empty(t, b.queued)

	b.failQueue = true
	assert.Equal(t, http.StatusInternalServerError,
		do(r, http.MethodPost, "/api/download", `{"url":"https://example.com/a","output_path":"/tmp/a"}`).Code)
}

func TestGetTasks(t *testing.T) {
	b := newFakeBackend()
	r := newTestServer(b)
	do(r, http.MethodPost, "/api/download", `{"url":"https://example.com/a.bin"}`)
	id := b.queued[0].ID.String()

	w := do(r, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []status.StatusInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 1)

	w = do(r, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/tasks/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/tasks/nope", "").Code)
}

func TestCancel(t *testing.T) {
	b := newFakeBackend()
	r := newTestServer(b)
	do(r, http.MethodPost, "/api/download", `{"url":"https://example.com/a.bin"}`)
	id := b.queued[0].ID.String()

	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/tasks/"+id+"/cancel", "").Code)
	assert.Equal(t, []string{id}, b.canceled)

	b.statuses[id].Status = status.Completed
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/tasks/"+id+"/cancel", "").Code)
	assert.Len(t, b.canceled, 1)
}

func TestEventsWebsocket(t *testing.T) {
	b := newFakeBackend()
	srv := httptest.NewServer(newTestServer(b))
	defer srv.Close()

	tk := task.New("https://example.com/a.bin", "/a.bin")
	require.NoError(t, b.InitTaskStatus(context.Background(), tk))
	id := tk.ID.String()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tasks/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first["type"])

	b.events <- status.Event{TaskID: id, Type: status.EventProgress, Offset: 10}
	b.events <- status.Event{TaskID: id, Type: status.EventEnd, EndCause: "completed"}

	var ev status.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, status.EventProgress, ev.Type)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, status.EventEnd, ev.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestEventsUnknownTask(t *testing.T) {
	r := newTestServer(newFakeBackend())
	w := do(r, http.MethodGet, "/api/tasks/"+uuid.NewString()+"/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
