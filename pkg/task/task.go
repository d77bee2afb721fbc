package task

import (
	"errors"
	"net/url"
	"path/filepath"

	"github.com/google/uuid"
)

// DownloadTask identifies one download: where the bytes come from and where
// they end up. It is passed through the Redis stream as JSON and is treated
// as immutable once submitted.
type DownloadTask struct {
	// ID is stable across runs; resume state is keyed by it.
	ID uuid.UUID `json:"id"`

	// URL of the remote resource.
	URL string `json:"url"`

	// OutputPath is the destination file, including the file name.
	// For example: "/downloads/videos/my_video.mp4"
	OutputPath string `json:"output_path"`

	// Blocks caps how many concurrent connections the task is split into.
	// Zero means the engine default.
	Blocks int `json:"blocks,omitempty"`

	// Tag carries caller metadata; the engine never reads it.
	Tag map[string]string `json:"tag,omitempty"`
}

// New creates a task with a fresh ID.
func New(rawURL, outputPath string) *DownloadTask {
	return &DownloadTask{
		ID:         uuid.New(),
		URL:        rawURL,
		OutputPath: outputPath,
	}
}

// ForDestination creates a task whose ID is derived from the URL and the
// absolute destination, so running the same download again finds the
// breakpoint of the earlier run.
func ForDestination(rawURL, outputPath string) *DownloadTask {
	t := &DownloadTask{URL: rawURL, OutputPath: outputPath}
	t.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL+"\n"+t.CleanPath()))
	return t
}

// Validate checks that the task can be started.
func (t *DownloadTask) Validate() error {
	if t.ID == uuid.Nil {
		return errors.New("task: missing id")
	}
	if t.URL == "" {
		return errors.New("task: missing url")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("task: url must be http or https")
	}
	if t.OutputPath == "" {
		return errors.New("task: missing output path")
	}
	if t.Blocks < 0 {
		return errors.New("task: blocks must not be negative")
	}
	return nil
}

// CleanPath returns the destination in the form used to detect two tasks
// writing the same file.
func (t *DownloadTask) CleanPath() string {
	p, err := filepath.Abs(t.OutputPath)
	if err != nil {
		return filepath.Clean(t.OutputPath)
	}
	return p
}
