package layout

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/partvault/partvault/internal/compress"
	"github.com/partvault/partvault/internal/crypto"
	"github.com/partvault/partvault/internal/errs"
	"github.com/partvault/partvault/internal/logging"
	"github.com/partvault/partvault/internal/metadata"
	"github.com/partvault/partvault/internal/pipeline"
	"github.com/partvault/partvault/internal/pipeline/stages"
	"github.com/partvault/partvault/internal/ratelimit"
	"github.com/partvault/partvault/internal/storage"
)

// CompressorFactory builds a fresh, stateful Compressor for one
// operation. Compressors hold internal stream state and must never be
// shared across concurrent uploads/downloads.
type CompressorFactory func() compress.Compressor

// Layout manages the remote key layout of every backup and drives the
// pipeline package to move metadata and data parts in and out of it.
type Layout struct {
	engine      storage.Engine
	cryptor     crypto.Cryptor
	newCompress CompressorFactory
	bucket      *ratelimit.TokenBucket
	pool        *pipeline.Pool

	pathRoot      string
	chunkSize     int
	maxChunkCount int
	retryInterval time.Duration
	tarball       bool
}

// New builds a Layout writing under pathRoot via engine, encrypting with
// cryptor and compressing with fresh instances from newCompress. When
// tarball is true, UploadDataPart stores each part as a single tar
// archive object instead of one object per file.
func New(pool *pipeline.Pool, engine storage.Engine, cryptor crypto.Cryptor, newCompress CompressorFactory, bucket *ratelimit.TokenBucket, pathRoot string, chunkSize, maxChunkCount int, retryInterval time.Duration, tarball bool) *Layout {
	return &Layout{
		pool:          pool,
		engine:        engine,
		cryptor:       cryptor,
		newCompress:   newCompress,
		bucket:        bucket,
		pathRoot:      pathRoot,
		chunkSize:     chunkSize,
		maxChunkCount: maxChunkCount,
		retryInterval: retryInterval,
		tarball:       tarball,
	}
}

// BackupPath returns the remote prefix of the named backup.
func (l *Layout) BackupPath(backupName string) string {
	return BackupPath(l.pathRoot, backupName)
}

// UploadBackupMetadata uploads backup's metadata document, unencrypted so
// it remains readable for listing without the encryption key.
func (l *Layout) UploadBackupMetadata(ctx context.Context, backup *metadata.BackupMetadata) error {
	data, err := backup.MarshalJSON()
	if err != nil {
		return errs.NewStorageError("upload_backup_metadata", backup.Name, err)
	}
	remotePath := MetaPath(l.BackupPath(backup.Name))
	logging.ForOperation("upload_backup_metadata", backup.Name).Debug("saving backup metadata", "path", remotePath)
	if err := l.engine.Put(ctx, remotePath, data); err != nil {
		return errs.NewStorageError("upload_backup_metadata", remotePath, err)
	}
	return nil
}

// GetBackupMetadata downloads and decodes the named backup's metadata,
// returning nil, nil if no such backup exists.
func (l *Layout) GetBackupMetadata(ctx context.Context, backupName string) (*metadata.BackupMetadata, error) {
	remotePath := MetaPath(l.BackupPath(backupName))

	ok, err := l.engine.Exists(ctx, remotePath)
	if err != nil {
		return nil, errs.NewStorageError("get_backup_metadata", remotePath, err)
	}
	if !ok {
		return nil, nil
	}

	data, err := l.engine.Get(ctx, remotePath)
	if err != nil {
		return nil, errs.NewStorageError("get_backup_metadata", remotePath, err)
	}

	var backup metadata.BackupMetadata
	if err := backup.UnmarshalJSON(data); err != nil {
		return nil, &errs.MetadataError{Backup: backupName, Cause: err}
	}
	return &backup, nil
}

// ReloadBackup re-downloads backup's metadata, returning a MetadataError
// if it has since been deleted.
func (l *Layout) ReloadBackup(ctx context.Context, backupName string) (*metadata.BackupMetadata, error) {
	backup, err := l.GetBackupMetadata(ctx, backupName)
	if err != nil {
		return nil, err
	}
	if backup == nil {
		return nil, &errs.MetadataError{Backup: backupName, Cause: fmt.Errorf("backup metadata no longer exists")}
	}
	return backup, nil
}

// GetBackupNames lists every backup name under the configured root,
// oldest first.
func (l *Layout) GetBackupNames(ctx context.Context) ([]string, error) {
	names, err := l.engine.List(ctx, l.pathRoot, false, false)
	if err != nil {
		return nil, errs.NewStorageError("get_backup_names", l.pathRoot, err)
	}
	sort.Strings(names)
	return names, nil
}

// UploadDatabaseCreateStatement encrypts and uploads a database's create
// statement. The upload is scheduled on the pool; call Wait to block for
// completion.
func (l *Layout) UploadDatabaseCreateStatement(backupName, database string, statement []byte) {
	remotePath := DBMetaPath(l.BackupPath(backupName), database)
	l.submitUpload(remotePath, statement, false)
}

// UploadTableCreateStatement encrypts and uploads a table's create
// statement, scheduled on the pool.
func (l *Layout) UploadTableCreateStatement(backupName, database, table string, statement []byte) {
	remotePath := TableMetaPath(l.BackupPath(backupName), database, table)
	l.submitUpload(remotePath, statement, false)
}

// GetDatabaseCreateStatement downloads and decrypts a database's create
// statement.
func (l *Layout) GetDatabaseCreateStatement(ctx context.Context, backupPath, database string) ([]byte, error) {
	return l.downloadDecrypt(ctx, DBMetaPath(backupPath, database))
}

// GetTableCreateStatement downloads and decrypts a table's create
// statement.
func (l *Layout) GetTableCreateStatement(ctx context.Context, backupPath, database, table string) ([]byte, error) {
	return l.downloadDecrypt(ctx, TableMetaPath(backupPath, database, table))
}

func (l *Layout) downloadDecrypt(ctx context.Context, remotePath string) ([]byte, error) {
	data, err := l.engine.Get(ctx, remotePath)
	if err != nil {
		return nil, errs.NewStorageError("download", remotePath, err)
	}
	out, err := l.cryptor.Decrypt(data)
	if err != nil {
		return nil, errs.NewStorageError("decrypt", remotePath, err)
	}
	return out, nil
}

// UploadAccessControlObject encrypts and uploads one access-control
// object's SQL, scheduled on the pool.
func (l *Layout) UploadAccessControlObject(backupName, objectID string, statement []byte) {
	remotePath := AccessControlObjectPath(l.BackupPath(backupName), objectID)
	l.submitUpload(remotePath, statement, false)
}

// GetAccessControlObject downloads and decrypts one access-control
// object's SQL.
func (l *Layout) GetAccessControlObject(ctx context.Context, backupPath, objectID string) ([]byte, error) {
	return l.downloadDecrypt(ctx, AccessControlObjectPath(backupPath, objectID))
}

// UploadUDF encrypts and uploads one user-defined function's SQL,
// scheduled on the pool.
func (l *Layout) UploadUDF(backupName, name string, statement []byte) {
	remotePath := UDFPath(l.BackupPath(backupName), name)
	l.submitUpload(remotePath, statement, false)
}

// GetUDFCreateStatement downloads and decrypts one user-defined
// function's SQL.
func (l *Layout) GetUDFCreateStatement(ctx context.Context, backupPath, name string) ([]byte, error) {
	return l.downloadDecrypt(ctx, UDFPath(backupPath, name))
}

// submitUpload encrypts data in one shot (small objects only: DDL
// statements and similar metadata, never data parts) and schedules the
// Put on the pool.
func (l *Layout) submitUpload(remotePath string, data []byte, plain bool) {
	l.pool.Submit(func(ctx context.Context) error {
		payload := data
		if !plain {
			sealed, err := l.cryptor.Encrypt(data)
			if err != nil {
				return errs.NewStorageError("encrypt", remotePath, err)
			}
			payload = sealed
		}
		logging.ForOperation("upload", "").Debug("uploading metadata object", "path", remotePath)
		if err := l.engine.Put(ctx, remotePath, payload); err != nil {
			return errs.NewStorageError("upload", remotePath, err)
		}
		return nil
	})
}

// UploadDataPart streams a frozen part through the
// compress/chunk/encrypt/rate-limit/multipart pipeline and returns the
// metadata describing what was uploaded. When the layout is configured
// for tarball storage, the part's files are archived into one object
// instead of uploaded individually. The upload itself is scheduled on
// the pool; Wait blocks until it (and every other scheduled job)
// completes.
func (l *Layout) UploadDataPart(backupName string, fpart metadata.FrozenPart) (metadata.PartMetadata, error) {
	entries, err := os.ReadDir(fpart.Path)
	if err != nil {
		return metadata.PartMetadata{}, errs.NewStorageError("list_part_files", fpart.Path, err)
	}

	filenames := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			filenames = append(filenames, e.Name())
		}
	}
	sort.Strings(filenames)

	backupPath := l.BackupPath(backupName)
	chunkSize := l.adjustedChunkSize(fpart.Size)

	if l.tarball {
		remotePath := TarballPath(backupPath, fpart.Database, fpart.Table, fpart.Name)
		l.pool.Submit(l.uploadPartTarballJob(fpart.Path, filenames, remotePath, chunkSize))
	} else {
		remoteDir := PartPath(backupPath, fpart.Database, fpart.Table, fpart.Name)
		for _, filename := range filenames {
			localPath := filepath.Join(fpart.Path, filename)
			remotePath := path.Join(remoteDir, filename)
			l.pool.Submit(l.uploadPartFileJob(localPath, remotePath, chunkSize))
		}
	}

	return metadata.PartMetadata{
		Database: fpart.Database,
		Table:    fpart.Table,
		Name:     fpart.Name,
		Checksum: fpart.Checksum,
		Size:     fpart.Size,
		Files:    filenames,
		Tarball:  l.tarball,
		DiskName: fpart.Disk,
	}, nil
}

// adjustedChunkSize grows l.chunkSize so an object of totalSize never
// needs more multipart parts than the backend allows, recomputable
// identically on download from the same PartMetadata.Size.
func (l *Layout) adjustedChunkSize(totalSize int64) int {
	adjusted, _ := stages.AdjustChunkSize(totalSize, l.chunkSize, l.engine.MaxChunkCount())
	return adjusted
}

func (l *Layout) uploadPartFileJob(localPath, remotePath string, chunkSize int) pipeline.Job {
	return func(ctx context.Context) error {
		specs := []pipeline.Spec{
			{Stage: stages.NewReadFile(localPath, l.chunkSize)},
			{Stage: stages.NewCompress(l.newCompress())},
			{Stage: stages.NewChunking(chunkSize)},
			{Stage: stages.NewEncrypt(l.cryptor)},
		}
		if l.bucket != nil && l.bucket.Enabled() {
			specs = append(specs, pipeline.Spec{Stage: stages.NewRateLimit(l.bucket, l.retryInterval)})
		}
		specs = append(specs, pipeline.Spec{Stage: stages.NewMultipartUpload(l.engine, remotePath), Ordered: true})
		return pipeline.New(specs).Run(ctx)
	}
}

func (l *Layout) uploadPartTarballJob(root string, files []string, remotePath string, chunkSize int) pipeline.Job {
	return func(ctx context.Context) error {
		specs := []pipeline.Spec{
			{Stage: stages.NewScanTarFiles(root, files)},
			{Stage: stages.NewCompress(l.newCompress())},
			{Stage: stages.NewChunking(chunkSize)},
			{Stage: stages.NewEncrypt(l.cryptor)},
		}
		if l.bucket != nil && l.bucket.Enabled() {
			specs = append(specs, pipeline.Spec{Stage: stages.NewRateLimit(l.bucket, l.retryInterval)})
		}
		specs = append(specs, pipeline.Spec{Stage: stages.NewMultipartUpload(l.engine, remotePath), Ordered: true})
		return pipeline.New(specs).Run(ctx)
	}
}

// DownloadDataPart downloads part into fsPartPath, resolving the source
// prefix through part.Link when the part is a deduplicated reference to
// another backup. Tarball parts are downloaded as one object and
// extracted; per-file parts are downloaded file by file.
func (l *Layout) DownloadDataPart(ctx context.Context, backupPath string, part metadata.PartMetadata, fsPartPath string) error {
	if err := os.MkdirAll(fsPartPath, 0o755); err != nil {
		return errs.NewStorageError("download_data_part", fsPartPath, err)
	}

	sourcePrefix := backupPath
	if part.Link != nil {
		sourcePrefix = *part.Link
	}
	chunkSize := l.adjustedChunkSize(part.Size)

	if part.Tarball {
		remotePath := TarballPath(sourcePrefix, part.Database, part.Table, part.Name)
		if err := l.downloadPartTarball(ctx, remotePath, fsPartPath, chunkSize); err != nil {
			return &errs.StorageError{Op: "download_data_part", Key: remotePath, Cause: err}
		}
		return nil
	}

	remoteDir := PartPath(sourcePrefix, part.Database, part.Table, part.Name)
	for _, filename := range part.Files {
		localPath := filepath.Join(fsPartPath, filename)
		remotePath := path.Join(remoteDir, filename)
		if err := l.downloadPartFile(ctx, remotePath, localPath, chunkSize); err != nil {
			return &errs.StorageError{Op: "download_data_part", Key: remotePath, Cause: err}
		}
	}
	return nil
}

func (l *Layout) downloadPartFile(ctx context.Context, remotePath, localPath string, chunkSize int) error {
	specs := []pipeline.Spec{
		{Stage: stages.NewDownload(l.engine, remotePath, l.chunkSize)},
		{Stage: stages.NewDecrypt(l.cryptor, chunkSize)},
		{Stage: stages.NewDecompress(l.newCompress())},
		{Stage: stages.NewWriteFile(localPath)},
	}
	return pipeline.New(specs).Run(ctx)
}

func (l *Layout) downloadPartTarball(ctx context.Context, remotePath, root string, chunkSize int) error {
	specs := []pipeline.Spec{
		{Stage: stages.NewDownload(l.engine, remotePath, l.chunkSize)},
		{Stage: stages.NewDecrypt(l.cryptor, chunkSize)},
		{Stage: stages.NewDecompress(l.newCompress())},
		{Stage: stages.NewWriteFiles(root)},
	}
	return pipeline.New(specs).Run(ctx)
}

// CheckDataPart reports whether part's bytes are present in storage,
// resolving through part.Link as DownloadDataPart does. Tarball parts
// are checked by the existence of their single archive object; per-file
// parts by the presence of every listed file.
func (l *Layout) CheckDataPart(ctx context.Context, backupPath string, part metadata.PartMetadata) (bool, error) {
	sourcePrefix := backupPath
	if part.Link != nil {
		sourcePrefix = *part.Link
	}

	if part.Tarball {
		remotePath := TarballPath(sourcePrefix, part.Database, part.Table, part.Name)
		ok, err := l.engine.Exists(ctx, remotePath)
		if err != nil {
			return false, errs.NewStorageError("check_data_part", remotePath, err)
		}
		return ok, nil
	}

	remoteDir := PartPath(sourcePrefix, part.Database, part.Table, part.Name)
	remoteFiles, err := l.engine.List(ctx, remoteDir, false, false)
	if err != nil {
		return false, errs.NewStorageError("check_data_part", remoteDir, err)
	}

	present := make(map[string]bool, len(remoteFiles))
	for _, f := range remoteFiles {
		present[f] = true
	}
	for _, f := range part.Files {
		if !present[f] {
			return false, nil
		}
	}
	return true, nil
}

// DeleteBackup deletes every object under backupName's prefix.
func (l *Layout) DeleteBackup(ctx context.Context, backupName string) error {
	backupPath := l.BackupPath(backupName)
	files, err := l.engine.List(ctx, backupPath, true, true)
	if err != nil {
		return errs.NewStorageError("delete_backup", backupPath, err)
	}
	if err := l.engine.DeleteMany(ctx, files); err != nil {
		return errs.NewStorageError("delete_backup", backupPath, err)
	}
	return nil
}

// DeleteDataParts deletes the bytes of every listed part stored under
// backupPath. A part with a non-nil Link is skipped, so bytes owned by
// another backup are never deleted through a backup that links to them.
func (l *Layout) DeleteDataParts(ctx context.Context, backupPath string, parts []metadata.PartMetadata) error {
	var keys []string
	for _, part := range parts {
		if part.Link != nil {
			continue
		}
		if part.Tarball {
			keys = append(keys, TarballPath(backupPath, part.Database, part.Table, part.Name))
			continue
		}
		remoteDir := PartPath(backupPath, part.Database, part.Table, part.Name)
		for _, f := range part.Files {
			keys = append(keys, path.Join(remoteDir, f))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := l.engine.DeleteMany(ctx, keys); err != nil {
		return errs.NewStorageError("delete_data_parts", backupPath, err)
	}
	return nil
}

// Wait blocks until every scheduled upload has completed, returning the
// errors collected along the way. keepGoing matches Pool.Wait: false
// aborts outstanding uploads on the first failure.
func (l *Layout) Wait(keepGoing bool) []error {
	return l.pool.Wait(keepGoing)
}
