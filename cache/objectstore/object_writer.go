package objectstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/minio/minio-go/v7"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// objectEntryWriter buffers a payload in memory and uploads it on the executor after a complete Close
// once the payload grows past the multipart threshold it streams fixed-size parts instead.
type objectEntryWriter struct {
	store     *ObjectStore
	key       cache.Key
	buffer    bytes.Buffer
	multipart *multipartUpload
	complete  bool
	closed    bool
	done      chan struct{}
	mutex     sync.Mutex

	pendingErr      error
	pendingErrMutex sync.Mutex
}

func newObjectEntryWriter(store *ObjectStore, key cache.Key) *objectEntryWriter {
	return &objectEntryWriter{
		store: store,
		key:   key,
		done:  make(chan struct{}),
	}
}

// Write buffers data, or streams it as parts in multipart mode
func (writer *objectEntryWriter) Write(data []byte) (int, error) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return 0, xerrors.Errorf("failed to write to entry %s: %w", writer.key.String(), cache.ErrWriterClosed)
	}

	if writer.multipart != nil {
		return writer.multipart.write(data)
	}

	writer.buffer.Write(data)

	if int64(writer.buffer.Len()) > writer.store.multipartThreshold {
		multipart, err := startMultipartUpload(writer.store, writer.key)
		if err != nil {
			return 0, err
		}

		writer.multipart = multipart
		_, err = multipart.write(writer.buffer.Bytes())
		writer.buffer = bytes.Buffer{}
		if err != nil {
			return 0, err
		}
	}

	return len(data), nil
}

// SetComplete marks the payload as completely written
func (writer *objectEntryWriter) SetComplete(complete bool) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	writer.complete = complete
}

// IsComplete checks if the payload was marked as completely written
func (writer *objectEntryWriter) IsComplete() bool {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	return writer.complete
}

// GetPendingError returns the error of the async upload, nil if it succeeded or has not finished
func (writer *objectEntryWriter) GetPendingError() error {
	writer.pendingErrMutex.Lock()
	defer writer.pendingErrMutex.Unlock()

	return writer.pendingErr
}

// waitForUpload blocks until the async upload finishes, for an incomplete writer it returns once closed
func (writer *objectEntryWriter) waitForUpload() {
	<-writer.done
}

// Close schedules the upload of a complete payload, or the completion of the multipart upload
// an incomplete payload is discarded and an open multipart upload is aborted.
func (writer *objectEntryWriter) Close() error {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"struct":   "objectEntryWriter",
		"function": "Close",
	})

	defer utils.StackTraceFromPanic(logger)

	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return nil
	}
	writer.closed = true

	if writer.multipart != nil {
		multipart := writer.multipart

		if !writer.complete {
			writer.store.metrics.Drop(StoreName, cache.DropIncomplete)
			multipart.abort()
			close(writer.done)
			return nil
		}

		err := writer.store.submit("complete upload "+writer.key.String(), func() {
			defer close(writer.done)

			completeErr := multipart.complete()
			if completeErr != nil {
				logger.WithError(completeErr).Errorf("failed to complete multipart upload of %s", writer.key.String())
				writer.store.metrics.Drop(StoreName, cache.DropAsyncFailure)
				writer.setPendingError(completeErr)
			}
		})
		if err != nil {
			multipart.abort()
			close(writer.done)
			writer.store.metrics.Drop(StoreName, cache.DropAsyncFailure)
			return xerrors.Errorf("failed to schedule multipart upload completion of %s: %w", writer.key.String(), err)
		}
		return nil
	}

	if !writer.complete {
		writer.store.metrics.Drop(StoreName, cache.DropIncomplete)
		close(writer.done)
		return nil
	}

	data := writer.buffer.Bytes()
	key := writer.key

	err := writer.store.submit("upload "+key.String(), func() {
		defer close(writer.done)

		uploadErr := writer.store.upload(context.Background(), key, data)
		if uploadErr != nil {
			logger.WithError(uploadErr).Errorf("failed to upload %s", key.String())
			writer.store.metrics.Drop(StoreName, cache.DropAsyncFailure)
			writer.setPendingError(uploadErr)
		}
	})
	if err != nil {
		close(writer.done)
		writer.store.metrics.Drop(StoreName, cache.DropAsyncFailure)
		return xerrors.Errorf("failed to schedule upload of %s: %w", key.String(), err)
	}
	return nil
}

func (writer *objectEntryWriter) setPendingError(err error) {
	writer.pendingErrMutex.Lock()
	defer writer.pendingErrMutex.Unlock()

	writer.pendingErr = err
}

// multipartUpload streams parts of one object on a dedicated goroutine
type multipartUpload struct {
	store     *ObjectStore
	objectKey string
	uploadID  string
	partCh    chan []byte
	current   []byte
	filled    int
	parts     []minio.CompletePart
	err       error
	errMutex  sync.Mutex
	waitGroup sync.WaitGroup
}

func startMultipartUpload(store *ObjectStore, key cache.Key) (*multipartUpload, error) {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"function": "startMultipartUpload",
	})

	objectKey := store.GetObjectKey(key)
	uploadID, err := store.api.NewMultipartUpload(context.Background(), objectKey, key.GetContentType())
	if err != nil {
		return nil, xerrors.Errorf("failed to start multipart upload of %s: %w", objectKey, store.wrapError(err))
	}

	logger.Debugf("Started multipart upload %s of %s", uploadID, objectKey)

	upload := &multipartUpload{
		store:     store,
		objectKey: objectKey,
		uploadID:  uploadID,
		partCh:    make(chan []byte, 1),
		parts:     []minio.CompletePart{},
	}

	upload.waitGroup.Add(1)
	go upload.run()

	return upload, nil
}

func (upload *multipartUpload) getError() error {
	upload.errMutex.Lock()
	defer upload.errMutex.Unlock()

	return upload.err
}

func (upload *multipartUpload) setError(err error) {
	upload.errMutex.Lock()
	defer upload.errMutex.Unlock()

	if upload.err == nil {
		upload.err = err
	}
}

func (upload *multipartUpload) run() {
	defer upload.waitGroup.Done()

	partNumber := 1
	for part := range upload.partCh {
		if upload.getError() == nil {
			completePart, err := upload.store.api.PutObjectPart(context.Background(), upload.objectKey, upload.uploadID, partNumber, part)
			if err != nil {
				upload.setError(xerrors.Errorf("failed to upload part %d of %s: %w", partNumber, upload.objectKey, upload.store.wrapError(err)))
			} else {
				upload.parts = append(upload.parts, completePart)
			}
		}

		upload.store.partBufferPool.Put(part[:cap(part)])
		partNumber++
	}
}

// write copies data into part buffers, full buffers are handed to the upload goroutine
func (upload *multipartUpload) write(data []byte) (int, error) {
	written := 0
	for len(data) > 0 {
		if err := upload.getError(); err != nil {
			return written, err
		}

		if upload.current == nil {
			upload.current = upload.store.partBufferPool.Get()
			upload.filled = 0
		}

		n := copy(upload.current[upload.filled:], data)
		upload.filled += n
		written += n
		data = data[n:]

		if upload.filled == len(upload.current) {
			upload.partCh <- upload.current
			upload.current = nil
		}
	}
	return written, nil
}

// finish hands the last partial part over and waits for all parts to be uploaded
func (upload *multipartUpload) finish(flush bool) {
	if upload.current != nil {
		if flush && upload.filled > 0 {
			upload.partCh <- upload.current[:upload.filled]
		} else {
			upload.store.partBufferPool.Put(upload.current)
		}
		upload.current = nil
	}

	close(upload.partCh)
	upload.waitGroup.Wait()
}

func (upload *multipartUpload) complete() error {
	upload.finish(true)

	err := upload.getError()
	if err == nil {
		err = upload.store.api.CompleteMultipartUpload(context.Background(), upload.objectKey, upload.uploadID, upload.parts)
		if err != nil {
			err = xerrors.Errorf("failed to complete multipart upload of %s: %w", upload.objectKey, upload.store.wrapError(err))
		}
	}

	if err != nil {
		upload.abortUpload()
		return err
	}
	return nil
}

func (upload *multipartUpload) abort() {
	upload.finish(false)
	upload.abortUpload()
}

func (upload *multipartUpload) abortUpload() {
	logger := log.WithFields(log.Fields{
		"package":  "objectstore",
		"struct":   "multipartUpload",
		"function": "abortUpload",
	})

	err := upload.store.api.AbortMultipartUpload(context.Background(), upload.objectKey, upload.uploadID)
	if err != nil {
		logger.WithError(err).Warnf("failed to abort multipart upload %s of %s", upload.uploadID, upload.objectKey)
	}
}
