package cache

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/xerrors"
)

// EntryWriter writes an entry payload
// Close publishes the entry only when SetComplete(true) was called, otherwise the bytes are discarded
type EntryWriter interface {
	io.WriteCloser

	SetComplete(complete bool)
	IsComplete() bool
}

// CommitFunc publishes a fully buffered payload
type CommitFunc func(data []byte) error

// BufferedEntryWriter buffers the payload in memory and commits it on a complete Close
type BufferedEntryWriter struct {
	key      Key
	buffer   bytes.Buffer
	commit   CommitFunc
	complete bool
	closed   bool
	mutex    sync.Mutex
}

// NewBufferedEntryWriter creates a new BufferedEntryWriter
func NewBufferedEntryWriter(key Key, commit CommitFunc) *BufferedEntryWriter {
	return &BufferedEntryWriter{
		key:    key,
		commit: commit,
	}
}

// GetKey returns key
func (writer *BufferedEntryWriter) GetKey() Key {
	return writer.key
}

// GetSize returns the number of buffered bytes
func (writer *BufferedEntryWriter) GetSize() int {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	return writer.buffer.Len()
}

// Write buffers data
func (writer *BufferedEntryWriter) Write(data []byte) (int, error) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return 0, xerrors.Errorf("failed to write to entry %s: %w", writer.key.String(), ErrWriterClosed)
	}

	return writer.buffer.Write(data)
}

// SetComplete marks the payload as completely written
func (writer *BufferedEntryWriter) SetComplete(complete bool) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	writer.complete = complete
}

// IsComplete checks if the payload was marked as completely written
func (writer *BufferedEntryWriter) IsComplete() bool {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	return writer.complete
}

// Close commits the buffered payload if complete
func (writer *BufferedEntryWriter) Close() error {
	writer.mutex.Lock()
	if writer.closed {
		writer.mutex.Unlock()
		return nil
	}
	writer.closed = true

	complete := writer.complete
	data := writer.buffer.Bytes()
	writer.mutex.Unlock()

	if !complete {
		return nil
	}

	err := writer.commit(data)
	if err != nil {
		return xerrors.Errorf("failed to commit entry %s: %w", writer.key.String(), err)
	}
	return nil
}

// DiscardEntryWriter accepts and drops all written bytes
type DiscardEntryWriter struct {
	key      Key
	complete bool
}

// NewDiscardEntryWriter creates a new DiscardEntryWriter
func NewDiscardEntryWriter(key Key) *DiscardEntryWriter {
	return &DiscardEntryWriter{
		key: key,
	}
}

// GetKey returns key
func (writer *DiscardEntryWriter) GetKey() Key {
	return writer.key
}

// Write drops data
func (writer *DiscardEntryWriter) Write(data []byte) (int, error) {
	return len(data), nil
}

// SetComplete does nothing but record the flag
func (writer *DiscardEntryWriter) SetComplete(complete bool) {
	writer.complete = complete
}

// IsComplete returns the recorded flag
func (writer *DiscardEntryWriter) IsComplete() bool {
	return writer.complete
}

// Close does nothing
func (writer *DiscardEntryWriter) Close() error {
	return nil
}

// leasedEntryWriter releases a write lease when closed
type leasedEntryWriter struct {
	EntryWriter
	lease *WriteLease
}

// NewLeasedEntryWriter wraps writer so that the lease is released when it is closed
func NewLeasedEntryWriter(writer EntryWriter, lease *WriteLease) EntryWriter {
	return &leasedEntryWriter{
		EntryWriter: writer,
		lease:       lease,
	}
}

// Close closes the underlying writer and releases the lease on every path
func (writer *leasedEntryWriter) Close() error {
	defer writer.lease.Release()

	return writer.EntryWriter.Close()
}
