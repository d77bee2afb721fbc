package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when no record exists for the task.
var ErrNotFound = errors.New("breakpoint: not found")

// Store persists resume records keyed by task id. Save replaces the whole
// record atomically and may be called any number of times.
type Store interface {
	Load(ctx context.Context, id uuid.UUID) (*Info, error)
	Save(ctx context.Context, info *Info) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// Purger is implemented by stores that can drop records nobody resumed.
type Purger interface {
	PurgeBefore(ctx context.Context, t time.Time) (int, error)
}

// Marshal encodes a snapshot of info.
func Marshal(info *Info) ([]byte, error) {
	return json.Marshal(info.Snapshot())
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(data []byte) (*Info, error) {
	info := &Info{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, err
	}
	return info, nil
}

// MemoryStore keeps records in process memory. It does not survive a
// restart and is meant for tests and one-shot runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, id uuid.UUID) (*Info, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Unmarshal(data)
}

func (s *MemoryStore) Save(_ context.Context, info *Info) error {
	data, err := Marshal(info)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[info.TaskID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, data := range s.records {
		info, err := Unmarshal(data)
		if err != nil || info.UpdatedAt.Before(t) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
