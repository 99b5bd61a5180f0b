// Package storage: Azure Blob engine, using its block-blob staging
// calls, which map directly onto the multipart upload contract.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/partvault/partvault/internal/errs"
)

// azureAPI is the subset of the Azure Blob client used by AzureEngine,
// kept narrow so a test double can satisfy it without a real client.
type azureAPI interface {
	UploadBlob(ctx context.Context, container, blob string, data []byte) error
	DownloadRange(ctx context.Context, container, blob string, offset, length int64) ([]byte, error)
	DeleteBlob(ctx context.Context, container, blob string) error
	BlobExists(ctx context.Context, container, blob string) (bool, error)
	GetBlobSize(ctx context.Context, container, blob string) (int64, error)
	StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error
	ListBlobs(ctx context.Context, container, prefix, delimiter string) ([]string, []string, error)
}

type realAzureClient struct{ client *azblob.Client }

func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}
	var cred azcore.TokenCredential
	var err error
	if useManagedIdentity {
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, container, blob string, data []byte) error {
	_, err := c.client.UploadBuffer(ctx, container, blob, data, nil)
	return err
}

func (c *realAzureClient) DownloadRange(ctx context.Context, container, blob string, offset, length int64) ([]byte, error) {
	resp, err := c.client.DownloadStream(ctx, container, blob, &azblob.DownloadStreamOptions{
		Range: blob_HTTPRange(offset, length),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, container, blob string) error {
	_, err := c.client.DeleteBlob(ctx, container, blob, nil)
	return err
}

func (c *realAzureClient) BlobExists(ctx context.Context, container, blob string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realAzureClient) GetBlobSize(ctx context.Context, container, blob string) (int64, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob).GetProperties(ctx, nil)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength != nil {
		return *resp.ContentLength, nil
	}
	return 0, nil
}

func (c *realAzureClient) StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error {
	bbClient := c.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(blob)
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := bbClient.StageBlock(ctx, blockID, body, nil)
	return err
}

func (c *realAzureClient) CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error {
	bbClient := c.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(blob)
	_, err := bbClient.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{})
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, container, prefix, delimiter string) ([]string, []string, error) {
	var names, dirPrefixes []string
	if delimiter == "" {
		pager := c.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, nil, err
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name != nil {
					names = append(names, *item.Name)
				}
			}
		}
		return names, nil, nil
	}
	pager := c.client.NewListBlobsHierarchyPager(container, delimiter, &azblob.ListBlobsHierarchyOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
		for _, p := range page.Segment.BlobPrefixes {
			if p.Name != nil {
				dirPrefixes = append(dirPrefixes, *p.Name)
			}
		}
	}
	return names, dirPrefixes, nil
}

func blob_HTTPRange(offset, length int64) azblob.HTTPRange {
	if length < 0 {
		return azblob.HTTPRange{Offset: offset}
	}
	return azblob.HTTPRange{Offset: offset, Count: length}
}

// AzureEngine implements Engine against an Azure Blob Storage container.
type AzureEngine struct {
	container string
	bulkSize  int
	maxChunks int
	retry     RetryConfig

	accountURL         string
	connectionString   string
	useManagedIdentity bool

	mu     sync.RWMutex
	client azureAPI

	rebuildMu sync.Mutex

	downloadsMu sync.Mutex
	downloads   map[string]*azureDownload

	uploadsMu sync.Mutex
	uploads   map[string]*azureUpload
}

type azureDownload struct {
	blob   string
	cursor int64
	size   int64
}

type azureUpload struct {
	blob     string
	blockIDs []string
}

// NewAzureEngine builds an AzureEngine, authenticating via connection
// string, managed identity, or DefaultAzureCredential.
func NewAzureEngine(container, accountURL, connectionString string, useManagedIdentity bool, bulkSize, maxChunks int, retry RetryConfig) (*AzureEngine, error) {
	client, err := newRealAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, err
	}
	return &AzureEngine{
		container:          container,
		accountURL:         accountURL,
		connectionString:   connectionString,
		useManagedIdentity: useManagedIdentity,
		bulkSize:           bulkSize,
		maxChunks:          maxChunks,
		retry:              retry,
		client:             client,
		downloads:          make(map[string]*azureDownload),
		uploads:            make(map[string]*azureUpload),
	}, nil
}

// NewAzureEngineWithClient builds an AzureEngine around a pre-configured
// client, for tests.
func NewAzureEngineWithClient(container string, client azureAPI, bulkSize, maxChunks int, retry RetryConfig) *AzureEngine {
	return &AzureEngine{
		container: container,
		client:    client,
		bulkSize:  bulkSize,
		maxChunks: maxChunks,
		retry:     retry,
		downloads: make(map[string]*azureDownload),
		uploads:   make(map[string]*azureUpload),
	}
}

func (e *AzureEngine) rebuildClient(ctx context.Context) error {
	client, err := newRealAzureClient(e.accountURL, e.connectionString, e.useManagedIdentity)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	return nil
}

func (e *AzureEngine) activeClient() azureAPI {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *AzureEngine) retryOp(op string) retryOp {
	return retryOp{
		cfg:           e.retry,
		op:            op,
		rebuildMu:     &e.rebuildMu,
		rebuilder:     e,
		isConnFailure: func(err error) bool { return isTransportFailure(err) && !isAzureNotFound(err) },
		isRebuildable: isTransportFailure,
	}
}

// MaxChunkCount returns the configured object-store part-count limit.
func (e *AzureEngine) MaxChunkCount() int { return e.maxChunks }

// Put writes data to key in one request.
func (e *AzureEngine) Put(ctx context.Context, key string, data []byte) error {
	return e.retryOp("put").run(ctx, func(ctx context.Context) error {
		return e.activeClient().UploadBlob(ctx, e.container, key, data)
	})
}

// Get reads the entire object at key.
func (e *AzureEngine) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := e.retryOp("get").run(ctx, func(ctx context.Context) error {
		data, err := e.activeClient().DownloadRange(ctx, e.container, key, 0, -1)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// UploadFile streams localPath to key.
func (e *AzureEngine) UploadFile(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errs.NewStorageError("upload_file", key, err)
	}
	return e.Put(ctx, key, data)
}

// DownloadFile streams key to localPath.
func (e *AzureEngine) DownloadFile(ctx context.Context, key, localPath string) error {
	data, err := e.Get(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

// CreateMultipartUpload begins tracking staged blocks for key.
func (e *AzureEngine) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	id := key + "#upload"
	e.uploadsMu.Lock()
	e.uploads[id] = &azureUpload{blob: key}
	e.uploadsMu.Unlock()
	return id, nil
}

// blockID renders partNumber as a base64 block id, matching the engine's
// 1-indexed multipart part numbering.
func blockID(partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%08d", partNumber)))
}

// UploadPart stages one block of uploadID.
func (e *AzureEngine) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) error {
	id := blockID(partNumber)
	err := e.retryOp("upload_part").run(ctx, func(ctx context.Context) error {
		return e.activeClient().StageBlock(ctx, e.container, key, id, data)
	})
	if err != nil {
		return err
	}
	e.uploadsMu.Lock()
	defer e.uploadsMu.Unlock()
	u, ok := e.uploads[uploadID]
	if !ok {
		return errs.NewStorageError("upload_part", key, fmt.Errorf("unknown upload id %s", uploadID))
	}
	u.blockIDs = append(u.blockIDs, id)
	return nil
}

// CompleteMultipartUpload commits the staged block list.
func (e *AzureEngine) CompleteMultipartUpload(ctx context.Context, key, uploadID string, partCount int) error {
	e.uploadsMu.Lock()
	u, ok := e.uploads[uploadID]
	delete(e.uploads, uploadID)
	e.uploadsMu.Unlock()
	if !ok {
		return errs.NewStorageError("complete_multipart_upload", key, fmt.Errorf("unknown upload id %s", uploadID))
	}
	return e.retryOp("complete_multipart_upload").run(ctx, func(ctx context.Context) error {
		return e.activeClient().CommitBlockList(ctx, e.container, key, u.blockIDs)
	})
}

// AbortMultipartUpload discards staged-block bookkeeping. Uncommitted
// Azure blocks expire automatically after 7 days with no committing
// blob, so there is nothing further to clean up server-side.
func (e *AzureEngine) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	e.uploadsMu.Lock()
	delete(e.uploads, uploadID)
	e.uploadsMu.Unlock()
	return nil
}

// CreateMultipartDownload begins a ranged read of key.
func (e *AzureEngine) CreateMultipartDownload(ctx context.Context, key string) (string, error) {
	var size int64
	err := e.retryOp("get_blob_size").run(ctx, func(ctx context.Context) error {
		s, err := e.activeClient().GetBlobSize(ctx, e.container, key)
		if err != nil {
			return err
		}
		size = s
		return nil
	})
	if err != nil {
		return "", err
	}
	id := key + "#download"
	e.downloadsMu.Lock()
	e.downloads[id] = &azureDownload{blob: key, size: size}
	e.downloadsMu.Unlock()
	return id, nil
}

// DownloadPart reads up to maxBytes from downloadID's cursor.
func (e *AzureEngine) DownloadPart(ctx context.Context, downloadID string, maxBytes int) ([]byte, error) {
	e.downloadsMu.Lock()
	d, ok := e.downloads[downloadID]
	e.downloadsMu.Unlock()
	if !ok {
		return nil, errs.NewStorageError("download_part", "", fmt.Errorf("unknown download id %s", downloadID))
	}
	if d.cursor >= d.size {
		return nil, nil
	}
	length := int64(maxBytes)
	if d.cursor+length > d.size {
		length = d.size - d.cursor
	}
	var out []byte
	err := e.retryOp("download_part").run(ctx, func(ctx context.Context) error {
		data, err := e.activeClient().DownloadRange(ctx, e.container, d.blob, d.cursor, length)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.cursor += int64(len(out))
	return out, nil
}

// CompleteMultipartDownload releases downloadID's cursor state.
func (e *AzureEngine) CompleteMultipartDownload(ctx context.Context, downloadID string) error {
	e.downloadsMu.Lock()
	delete(e.downloads, downloadID)
	e.downloadsMu.Unlock()
	return nil
}

// List returns blob names under prefix.
func (e *AzureEngine) List(ctx context.Context, prefix string, recursive, absolute bool) ([]string, error) {
	delimiter := ""
	if !recursive {
		delimiter = "/"
	}
	var names, prefixes []string
	err := e.retryOp("list").run(ctx, func(ctx context.Context) error {
		n, p, err := e.activeClient().ListBlobs(ctx, e.container, prefix, delimiter)
		if err != nil {
			return err
		}
		names, prefixes = n, p
		return nil
	})
	if err != nil {
		return nil, err
	}
	all := append(names, prefixes...)
	if absolute {
		return all, nil
	}
	rel := make([]string, len(all))
	for i, n := range all {
		rel[i] = strings.TrimPrefix(n, prefix)
	}
	return rel, nil
}

// Exists reports whether key is present.
func (e *AzureEngine) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := e.retryOp("exists").run(ctx, func(ctx context.Context) error {
		ok, err := e.activeClient().BlobExists(ctx, e.container, key)
		if err != nil {
			return err
		}
		exists = ok
		return nil
	})
	return exists, err
}

// Delete removes key, treating not-found as success.
func (e *AzureEngine) Delete(ctx context.Context, key string) error {
	return e.retryOp("delete").run(ctx, func(ctx context.Context) error {
		err := e.activeClient().DeleteBlob(ctx, e.container, key)
		if err != nil && isAzureNotFound(err) {
			return nil
		}
		return err
	})
}

// DeleteMany removes keys; Azure Blob has no native bulk-delete API so
// each chunk boundary is only a batching unit for parallelism upstream.
func (e *AzureEngine) DeleteMany(ctx context.Context, keys []string) error {
	for _, chunk := range chunkKeys(keys, e.bulkSize) {
		for _, key := range chunk {
			if err := e.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// isAzureNotFound checks if an Azure error is a BlobNotFound/404 error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "404") || errors.Is(err, os.ErrNotExist)
}

var _ Engine = (*AzureEngine)(nil)
