package datagrid

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/irods"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/cyverse/imagecache-common/worker"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// StoreName is the registry name of the data grid store
	StoreName string = "irods"

	// DefaultApplicationName is the application name reported to the iRODS server
	DefaultApplicationName string = "imagecache"

	imageCollectionName string = "image"
	infoCollectionName  string = "info"

	tempFileSuffix string = ".tmp"
	// temp data objects older than this are removed on clean up
	orphanTempFileAge time.Duration = 10 * time.Minute

	readBlockSize  int = 1024 * 1024
	uploadAttempts int = 3
)

// DataGridStoreConfig is configuration of DataGridStore
type DataGridStoreConfig struct {
	Host     string
	Port     int
	Zone     string
	User     string
	Password string
	Resource string
	RootPath string
}

// DataGridStore implements cache.CacheStore on iRODS collections
// uploads run on the executor, so writers return from Close before the data object is visible.
type DataGridStore struct {
	client   irods.IRODSFSClient
	rootPath string
	resource string
	executor worker.Executor
	metrics  cache.Metrics
	clock    func() time.Time
}

// NewDataGridStore connects to iRODS and creates a new DataGridStore
func NewDataGridStore(config *DataGridStoreConfig, executor worker.Executor, metrics cache.Metrics) (*DataGridStore, error) {
	if len(config.RootPath) == 0 {
		return nil, xerrors.Errorf("root path is not given")
	}

	account := irods.NewIRODSAccount(config.Host, config.Port, config.Zone, config.User, config.Password, config.Resource)
	client, err := irods.NewIRODSFSClientDirect(account, DefaultApplicationName)
	if err != nil {
		return nil, cache.NewBackendUnavailableError(StoreName, err)
	}

	store, err := NewDataGridStoreWithClient(client, config.RootPath, config.Resource, executor, metrics)
	if err != nil {
		client.Release()
		return nil, err
	}
	return store, nil
}

// NewDataGridStoreWithClient creates a new DataGridStore on the given client
func NewDataGridStoreWithClient(client irods.IRODSFSClient, rootPath string, resource string, executor worker.Executor, metrics cache.Metrics) (*DataGridStore, error) {
	if metrics == nil {
		metrics = cache.NopMetrics{}
	}

	store := &DataGridStore{
		client:   client,
		rootPath: strings.TrimSuffix(rootPath, "/"),
		resource: resource,
		executor: executor,
		metrics:  metrics,
		clock:    time.Now,
	}

	for _, collection := range []string{store.getImageCollectionPath(), store.getInfoCollectionPath()} {
		err := client.MakeDir(collection, true)
		if err != nil {
			return nil, xerrors.Errorf("failed to make collection %s: %w", collection, store.wrapError(err))
		}
	}

	return store, nil
}

// Release releases the iRODS client
func (store *DataGridStore) Release() {
	store.client.Release()
}

// GetName returns the store name
func (store *DataGridStore) GetName() string {
	return StoreName
}

// GetRootPath returns the root collection path
func (store *DataGridStore) GetRootPath() string {
	return store.rootPath
}

// IsAvailable checks if the root collection is reachable
func (store *DataGridStore) IsAvailable(ctx context.Context) bool {
	return store.client.ExistsDir(store.rootPath)
}

func (store *DataGridStore) getImageCollectionPath() string {
	return utils.JoinIRODSPath(store.rootPath, imageCollectionName)
}

func (store *DataGridStore) getInfoCollectionPath() string {
	return utils.JoinIRODSPath(store.rootPath, infoCollectionName)
}

func (store *DataGridStore) getIdentifierCollectionPath(identifier types.Identifier) string {
	return utils.JoinIRODSPath(store.getImageCollectionPath(), utils.MakeMD5Hash(identifier.String()))
}

// GetDataObjectPath returns the data object path of the key
func (store *DataGridStore) GetDataObjectPath(key cache.Key) string {
	if key.IsInfo() {
		return utils.JoinIRODSPath(store.getInfoCollectionPath(), key.GetIdentifierHash()+".json")
	}

	name := key.GetOperationsHash()
	if len(key.GetExtension()) > 0 {
		name += "." + key.GetExtension()
	}
	return utils.JoinIRODSPath(store.getIdentifierCollectionPath(key.GetIdentifier()), name)
}

func (store *DataGridStore) wrapError(err error) error {
	if err == nil || irods.IsFileNotFoundError(err) {
		return err
	}
	return cache.NewBackendUnavailableError(StoreName, err)
}

func isTempFile(path string) bool {
	return strings.HasSuffix(path, tempFileSuffix)
}

// ReadEntry reads the data object into memory and returns a reader of it
func (store *DataGridStore) ReadEntry(ctx context.Context, key cache.Key) (io.ReadCloser, *cache.EntryStat, error) {
	logger := log.WithFields(log.Fields{
		"package":  "datagrid",
		"struct":   "DataGridStore",
		"function": "ReadEntry",
	})

	defer utils.StackTraceFromPanic(logger)

	path := store.GetDataObjectPath(key)

	handle, err := store.client.OpenFile(path, "", "r")
	if err != nil {
		if irods.IsFileNotFoundError(err) {
			return nil, nil, cache.NewNotFoundError(key)
		}
		return nil, nil, xerrors.Errorf("failed to open data object %s: %w", path, store.wrapError(err))
	}
	defer handle.Close()

	entry := handle.GetEntry()

	data, err := readAll(handle, entry.Size)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to read data object %s: %w", path, store.wrapError(err))
	}

	stat := &cache.EntryStat{
		Key:          key,
		Size:         int64(len(data)),
		LastModified: entry.ModifyTime,
	}
	return io.NopCloser(bytes.NewReader(data)), stat, nil
}

func readAll(handle irods.IRODSFSFileHandle, size int64) ([]byte, error) {
	buffer := bytes.Buffer{}
	block := make([]byte, readBlockSize)

	offset := int64(0)
	for offset < size {
		readLen, err := handle.ReadAt(block, offset)
		if readLen > 0 {
			buffer.Write(block[:readLen])
			offset += int64(readLen)
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		if readLen == 0 {
			break
		}
	}

	return buffer.Bytes(), nil
}

// CreateEntryWriter returns a writer buffering the payload, the upload is submitted to the executor on a complete Close
func (store *DataGridStore) CreateEntryWriter(ctx context.Context, key cache.Key) (cache.EntryWriter, error) {
	return cache.NewBufferedEntryWriter(key, func(data []byte) error {
		return store.submit(key, data)
	}), nil
}

func (store *DataGridStore) submit(key cache.Key, data []byte) error {
	logger := log.WithFields(log.Fields{
		"package":  "datagrid",
		"struct":   "DataGridStore",
		"function": "submit",
	})

	task := func() {
		err := store.upload(key, data)
		if err != nil {
			logger.WithError(err).Errorf("failed to upload %s", key.String())
			store.metrics.Drop(StoreName, cache.DropAsyncFailure)
		}
	}

	if store.executor == nil {
		task()
		return nil
	}

	return store.executor.Submit(worker.PriorityNormal, "upload "+key.String(), task)
}

// upload writes a temp data object and renames it over the final path
func (store *DataGridStore) upload(key cache.Key, data []byte) error {
	path := store.GetDataObjectPath(key)

	tempPath := path + "." + xid.New().String() + tempFileSuffix

	var handle irods.IRODSFSFileHandle
	// clean up may remove an empty identifier collection between MakeDir and CreateFile
	for attempt := 0; attempt < uploadAttempts; attempt++ {
		err := store.client.MakeDir(utils.GetDirName(path), true)
		if err != nil {
			return xerrors.Errorf("failed to make collection for %s: %w", path, store.wrapError(err))
		}

		handle, err = store.client.CreateFile(tempPath, store.resource, "w")
		if err == nil {
			break
		}

		if !irods.IsFileNotFoundError(err) || attempt == uploadAttempts-1 {
			return xerrors.Errorf("failed to create data object %s: %w", tempPath, store.wrapError(err))
		}
	}

	offset := int64(0)
	for offset < int64(len(data)) {
		end := offset + int64(readBlockSize)
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		written, err := handle.WriteAt(data[offset:end], offset)
		if err != nil {
			handle.Close()
			store.removeTempFile(tempPath)
			return xerrors.Errorf("failed to write data object %s: %w", tempPath, store.wrapError(err))
		}
		offset += int64(written)
	}

	err := handle.Close()
	if err != nil {
		store.removeTempFile(tempPath)
		return xerrors.Errorf("failed to close data object %s: %w", tempPath, store.wrapError(err))
	}

	err = store.client.RenameFileToFile(tempPath, path)
	if err != nil {
		store.removeTempFile(tempPath)
		return xerrors.Errorf("failed to rename data object %s to %s: %w", tempPath, path, store.wrapError(err))
	}
	return nil
}

func (store *DataGridStore) removeTempFile(path string) {
	logger := log.WithFields(log.Fields{
		"package":  "datagrid",
		"struct":   "DataGridStore",
		"function": "removeTempFile",
	})

	err := store.client.RemoveFile(path, true)
	if err != nil && !irods.IsFileNotFoundError(err) {
		logger.WithError(err).Warnf("failed to remove temp data object %s", path)
	}
}

// DeleteEntry deletes the data object
func (store *DataGridStore) DeleteEntry(ctx context.Context, key cache.Key) error {
	path := store.GetDataObjectPath(key)

	err := store.client.RemoveFile(path, true)
	if err != nil {
		if irods.IsFileNotFoundError(err) {
			return cache.NewNotFoundError(key)
		}
		return xerrors.Errorf("failed to remove data object %s: %w", path, store.wrapError(err))
	}
	return nil
}

// removeDataObjects removes data objects in the collection matching the filter, per object failures are logged and skipped
// temp data objects are never matched
func (store *DataGridStore) removeDataObjects(ctx context.Context, collection string, filter func(entry *irodsclient_fs.Entry) bool) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "datagrid",
		"struct":   "DataGridStore",
		"function": "removeDataObjects",
	})

	entries, err := store.client.List(collection)
	if err != nil {
		if irods.IsFileNotFoundError(err) {
			return 0, nil
		}
		return 0, xerrors.Errorf("failed to list collection %s: %w", collection, store.wrapError(err))
	}

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		if entry.Type != irodsclient_fs.FileEntry || isTempFile(entry.Path) {
			continue
		}

		if filter != nil && !filter(entry) {
			continue
		}

		err := store.client.RemoveFile(entry.Path, true)
		if err != nil {
			if !irods.IsFileNotFoundError(err) {
				logger.WithError(err).Warnf("failed to remove data object %s", entry.Path)
			}
			continue
		}
		removed++
	}
	return removed, nil
}

// listIdentifierCollections returns collections under the image collection
func (store *DataGridStore) listIdentifierCollections() ([]string, error) {
	imageCollection := store.getImageCollectionPath()

	entries, err := store.client.List(imageCollection)
	if err != nil {
		if irods.IsFileNotFoundError(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("failed to list collection %s: %w", imageCollection, store.wrapError(err))
	}

	collections := []string{}
	for _, entry := range entries {
		if entry.Type == irodsclient_fs.DirectoryEntry {
			collections = append(collections, entry.Path)
		}
	}
	return collections, nil
}

// DeleteAllEntriesForIdentifier deletes the info data object and the identifier collection
func (store *DataGridStore) DeleteAllEntriesForIdentifier(ctx context.Context, identifier types.Identifier) (int, error) {
	deleted := 0

	err := store.DeleteEntry(ctx, cache.KeyForInfo(identifier))
	if err == nil {
		deleted++
	} else if !cache.IsNotFoundError(err) {
		return deleted, err
	}

	collection := store.getIdentifierCollectionPath(identifier)
	count, err := store.removeDataObjects(ctx, collection, nil)
	deleted += count
	if err != nil {
		return deleted, err
	}

	err = store.client.RemoveDir(collection, true, true)
	if err != nil && !irods.IsFileNotFoundError(err) {
		return deleted, xerrors.Errorf("failed to remove collection %s: %w", collection, store.wrapError(err))
	}
	return deleted, nil
}

// DeleteAllEntries deletes all image and info data objects
func (store *DataGridStore) DeleteAllEntries(ctx context.Context) (int, error) {
	deleted := 0

	collections, err := store.listIdentifierCollections()
	if err != nil {
		return deleted, err
	}

	for _, collection := range collections {
		count, err := store.removeDataObjects(ctx, collection, nil)
		deleted += count
		if err != nil {
			return deleted, err
		}
	}

	count, err := store.DeleteAllInfoEntries(ctx)
	return deleted + count, err
}

// DeleteAllInfoEntries deletes all info data objects
func (store *DataGridStore) DeleteAllInfoEntries(ctx context.Context) (int, error) {
	return store.removeDataObjects(ctx, store.getInfoCollectionPath(), nil)
}

// DeleteExpiredEntries deletes data objects last modified before cutoff
func (store *DataGridStore) DeleteExpiredEntries(ctx context.Context, cutoff time.Time) (int, error) {
	expired := func(entry *irodsclient_fs.Entry) bool {
		return entry.ModifyTime.Before(cutoff)
	}

	deleted := 0

	collections, err := store.listIdentifierCollections()
	if err != nil {
		return deleted, err
	}

	for _, collection := range append(collections, store.getInfoCollectionPath()) {
		count, err := store.removeDataObjects(ctx, collection, expired)
		deleted += count
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// CleanUp removes orphaned temp data objects and empty identifier collections
func (store *DataGridStore) CleanUp(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "datagrid",
		"struct":   "DataGridStore",
		"function": "CleanUp",
	})

	defer utils.StackTraceFromPanic(logger)

	cutoff := store.clock().Add(-orphanTempFileAge)

	collections, err := store.listIdentifierCollections()
	if err != nil {
		return err
	}

	for _, collection := range append(collections, store.getInfoCollectionPath()) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := store.client.List(collection)
		if err != nil {
			logger.WithError(err).Warnf("failed to list collection %s", collection)
			continue
		}

		remaining := 0
		for _, entry := range entries {
			if entry.Type == irodsclient_fs.FileEntry && isTempFile(entry.Path) && entry.ModifyTime.Before(cutoff) {
				logger.Debugf("removing orphan temp data object %s", entry.Path)
				store.removeTempFile(entry.Path)
				continue
			}
			remaining++
		}

		if remaining == 0 && collection != store.getInfoCollectionPath() {
			err := store.client.RemoveDir(collection, false, true)
			if err != nil && !irods.IsFileNotFoundError(err) {
				logger.WithError(err).Warnf("failed to remove empty collection %s", collection)
			}
		}
	}
	return nil
}
