// Package storage implements the backup engine's object-store client: a
// small set of put/get/multipart/list/delete operations shared by three
// cloud backends (S3, GCS, Azure Blob), each wrapped in the same retry and
// client-rebuild policy.
package storage

import "context"

// Engine is the storage client contract used by the pipeline and layout
// packages. Implementations must retry connection-level failures
// internally; callers never see a raw transport error, only the
// classified errs.StorageError.
type Engine interface {
	// Put writes data to key in one request.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the entire object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// UploadFile streams localPath to key.
	UploadFile(ctx context.Context, localPath, key string) error
	// DownloadFile streams key to localPath.
	DownloadFile(ctx context.Context, key, localPath string) error

	// CreateMultipartUpload begins a multipart upload for key and
	// returns an opaque upload id.
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	// UploadPart uploads one part of an in-progress multipart upload.
	// Part numbers start at 1.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error
	// CompleteMultipartUpload finalizes an upload given the number of
	// parts submitted via UploadPart, in ascending order.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, partCount int) error
	// AbortMultipartUpload discards an in-progress upload and any parts
	// staged for it. Best-effort: called on cancellation or error.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// CreateMultipartDownload begins a ranged read of key and returns an
	// opaque download id tracking a byte cursor.
	CreateMultipartDownload(ctx context.Context, key string) (downloadID string, err error)
	// DownloadPart reads up to maxBytes starting at the download's
	// current cursor, advancing it. Returns nil, nil at end-of-object.
	DownloadPart(ctx context.Context, downloadID string, maxBytes int) ([]byte, error)
	// CompleteMultipartDownload releases the cursor state for downloadID.
	CompleteMultipartDownload(ctx context.Context, downloadID string) error

	// List returns object names under prefix. If recursive is false,
	// only immediate children are returned (directory-style listing);
	// if absolute is false, names are returned relative to prefix.
	List(ctx context.Context, prefix string, recursive, absolute bool) ([]string, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// DeleteMany removes keys in chunks of the configured bulk size,
	// falling back to per-key delete if a bulk request is rejected.
	DeleteMany(ctx context.Context, keys []string) error

	// MaxChunkCount returns the object store's maximum part count for a
	// single multipart upload, used by the pipeline's size-adjustment
	// rule.
	MaxChunkCount() int
}
