// internal/uploader/obs_uploader.go
package uploader

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"
	"github.com/rs/zerolog"

	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Uploader copies a finished download somewhere else.
type Uploader interface {
	UploadFile(ctx context.Context, objectKey, filePath string) error
}

// ObsUploader uploads finished downloads to a Huawei Cloud OBS bucket.
type ObsUploader struct {
	client *obs.ObsClient
	bucket string
	logger zerolog.Logger
}

var _ Uploader = (*ObsUploader)(nil)

// NewObsUploader creates an uploader for bucket.
func NewObsUploader(endpoint, ak, sk, bucket string, logger zerolog.Logger) (*ObsUploader, error) {
	client, err := obs.New(ak, sk, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create OBS client: %w", err)
	}
	return &ObsUploader{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "uploader").Logger(),
	}, nil
}

// ObjectKey is the key a task's file is stored under: the output path with
// its leading slashes removed and forward separators.
func ObjectKey(t *task.DownloadTask) string {
	key := path.Clean(filepath.ToSlash(t.OutputPath))
	return strings.TrimLeft(key, "/")
}

// UploadFile uploads the local file at filePath as objectKey. The OBS SDK
// call itself cannot be interrupted; ctx is checked before it starts.
func (u *ObsUploader) UploadFile(ctx context.Context, objectKey, filePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	input := &obs.PutFileInput{}
	input.Bucket = u.bucket
	input.Key = objectKey
	input.SourceFile = filePath

	output, err := u.client.PutFile(input)
	if err != nil {
		var obsError obs.ObsError
		if errors.As(err, &obsError) {
			return fmt.Errorf("upload to OBS failed: code %s: %s", obsError.Code, obsError.Message)
		}
		return fmt.Errorf("upload to OBS failed: %w", err)
	}

	u.logger.Info().
		Str("file", filePath).
		Str("bucket", u.bucket).
		Str("key", objectKey).
		Str("etag", output.ETag).
		Msg("File uploaded")
	return nil
}

// Close releases the OBS client.
func (u *ObsUploader) Close() {
	if u.client != nil {
		u.client.Close()
	}
}
