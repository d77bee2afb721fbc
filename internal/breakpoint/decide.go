package breakpoint

import (
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/pkg/fileinfo"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// FileState describes the destination file as found on disk.
type FileState struct {
	Exists bool
	Size   int64
}

// Decision is the outcome of comparing a stored record with a fresh probe.
type Decision struct {
	Resume bool
	Cause  cause.ResumeFailedCause
}

func restart(c cause.ResumeFailedCause) Decision {
	return Decision{Cause: c}
}

// Decide tells whether stored can be resumed for t given what the server
// reports now and what is on disk. It has no side effects.
func Decide(stored *Info, t *task.DownloadTask, probe *fileinfo.Info, file FileState) Decision {
	if stored == nil {
		return restart(cause.NoBreakpoint)
	}
	s := stored.Snapshot()

	if s.TaskID != t.ID || s.URL != t.URL || s.Path != t.OutputPath {
		return restart(cause.InfoDirty)
	}
	if err := s.Check(); err != nil {
		return restart(cause.InfoDirty)
	}
	if probe.Chunked() || s.Chunked() {
		return restart(cause.ContentLengthUnknown)
	}
	if !probe.AcceptsRanges || !s.SupportsRange {
		return restart(cause.RangeUnsupported)
	}
	if probe.Size != s.TotalLength {
		return restart(cause.ContentLengthChanged)
	}
	if s.ETag != "" || probe.ETag != "" {
		if s.ETag != probe.ETag {
			return restart(cause.ETagChanged)
		}
	} else if s.LastModified != probe.LastModified {
		return restart(cause.LastModifiedChanged)
	}
	if !file.Exists {
		return restart(cause.FileNotExist)
	}
	if file.Size < s.MaxOffset() {
		return restart(cause.FileTruncated)
	}
	return Decision{Resume: true, Cause: cause.None}
}
