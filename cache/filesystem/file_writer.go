package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	tempFileSuffix string = ".tmp"
)

// tempFileRegistry tracks temp files owned by live writers
type tempFileRegistry struct {
	paths sync.Map
}

func (registry *tempFileRegistry) add(path string) {
	registry.paths.Store(path, struct{}{})
}

func (registry *tempFileRegistry) remove(path string) {
	registry.paths.Delete(path)
}

func (registry *tempFileRegistry) contains(path string) bool {
	_, ok := registry.paths.Load(path)
	return ok
}

func isTempFile(path string) bool {
	return strings.HasSuffix(path, tempFileSuffix)
}

func makeTempFilePath(finalPath string) string {
	return finalPath + "." + xid.New().String() + tempFileSuffix
}

// publishFunc moves a complete temp file into place
type publishFunc func(tempPath string, finalPath string) error

// fileEntryWriter writes to a sibling temp file which is renamed into place on a complete Close
type fileEntryWriter struct {
	key       cache.Key
	file      *os.File
	tempPath  string
	finalPath string
	registry  *tempFileRegistry
	publish   publishFunc
	complete  bool
	closed    bool
	mutex     sync.Mutex
}

func newFileEntryWriter(key cache.Key, finalPath string, registry *tempFileRegistry, publish publishFunc) (*fileEntryWriter, error) {
	dirPath := filepath.Dir(finalPath)
	tempPath := makeTempFilePath(finalPath)

	// registered before it exists so a concurrent CleanUp never sees it unowned
	registry.add(tempPath)

	var file *os.File
	// empty dirs may be pruned by a concurrent purge between MkdirAll and OpenFile
	for attempt := 0; ; attempt++ {
		err := os.MkdirAll(dirPath, 0777)
		if err != nil {
			registry.remove(tempPath)
			return nil, xerrors.Errorf("failed to make dir %s: %w", dirPath, err)
		}

		file, err = os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0666)
		if err == nil {
			break
		}

		if !os.IsNotExist(err) || attempt >= 2 {
			registry.remove(tempPath)
			return nil, xerrors.Errorf("failed to create temp file %s: %w", tempPath, err)
		}
	}

	return &fileEntryWriter{
		key:       key,
		file:      file,
		tempPath:  tempPath,
		finalPath: finalPath,
		registry:  registry,
		publish:   publish,
	}, nil
}

// Write writes data to the temp file
func (writer *fileEntryWriter) Write(data []byte) (int, error) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return 0, xerrors.Errorf("failed to write to entry %s: %w", writer.key.String(), cache.ErrWriterClosed)
	}

	return writer.file.Write(data)
}

// SetComplete marks the payload as completely written
func (writer *fileEntryWriter) SetComplete(complete bool) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	writer.complete = complete
}

// IsComplete checks if the payload was marked as completely written
func (writer *fileEntryWriter) IsComplete() bool {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	return writer.complete
}

// Close renames the temp file into place if complete, otherwise removes it
func (writer *fileEntryWriter) Close() error {
	logger := log.WithFields(log.Fields{
		"package":  "filesystem",
		"struct":   "fileEntryWriter",
		"function": "Close",
	})

	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return nil
	}
	writer.closed = true

	defer writer.registry.remove(writer.tempPath)

	closeErr := writer.file.Close()

	if !writer.complete || closeErr != nil {
		err := os.Remove(writer.tempPath)
		if err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Warnf("failed to remove temp file %s", writer.tempPath)
		}

		if closeErr != nil {
			return xerrors.Errorf("failed to close temp file %s: %w", writer.tempPath, closeErr)
		}
		return nil
	}

	err := writer.publish(writer.tempPath, writer.finalPath)
	if err != nil {
		os.Remove(writer.tempPath)
		return xerrors.Errorf("failed to publish %s: %w", writer.finalPath, err)
	}

	logger.Debugf("Published %s", writer.finalPath)
	return nil
}

func renameIntoPlace(tempPath string, finalPath string) error {
	err := os.Rename(tempPath, finalPath)
	if err != nil {
		return xerrors.Errorf("failed to rename %s to %s: %w", tempPath, finalPath, err)
	}
	return nil
}
