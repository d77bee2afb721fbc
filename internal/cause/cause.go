// Package cause enumerates how a download run ends and why a saved
// breakpoint could not be resumed.
package cause

// EndCause is the terminal outcome of one task run. Exactly one is reported
// per run.
type EndCause int

const (
	Completed EndCause = iota
	Canceled
	Error
	// FileBusy means another running task owns the destination path.
	FileBusy
	// PreAllocateFailed means disk space for the destination could not be reserved.
	PreAllocateFailed
	// SameTaskBusy means a task with the same id is already running.
	SameTaskBusy
)

var endCauseNames = map[EndCause]string{
	Completed:         "completed",
	Canceled:          "canceled",
	Error:             "error",
	FileBusy:          "file_busy",
	PreAllocateFailed: "pre_allocate_failed",
	SameTaskBusy:      "same_task_busy",
}

func (c EndCause) String() string {
	if s, ok := endCauseNames[c]; ok {
		return s
	}
	return "unknown"
}

// MarshalText lets the cause travel as a string in JSON status records.
func (c EndCause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ResumeFailedCause explains why a download starts from the beginning.
type ResumeFailedCause int

const (
	// None means the breakpoint is valid and the download resumes.
	None ResumeFailedCause = iota
	NoBreakpoint
	InfoDirty
	FileNotExist
	FileTruncated
	ETagChanged
	LastModifiedChanged
	ContentLengthChanged
	ContentLengthUnknown
	RangeUnsupported
)

var resumeFailedNames = map[ResumeFailedCause]string{
	None:                 "none",
	NoBreakpoint:         "no_breakpoint",
	InfoDirty:            "info_dirty",
	FileNotExist:         "file_not_exist",
	FileTruncated:        "file_truncated",
	ETagChanged:          "etag_changed",
	LastModifiedChanged:  "last_modified_changed",
	ContentLengthChanged: "content_length_changed",
	ContentLengthUnknown: "content_length_unknown",
	RangeUnsupported:     "range_unsupported",
}

func (c ResumeFailedCause) String() string {
	if s, ok := resumeFailedNames[c]; ok {
		return s
	}
	return "unknown"
}

func (c ResumeFailedCause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
