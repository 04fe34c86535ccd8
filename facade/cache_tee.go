package facade

import (
	"github.com/cyverse/imagecache-common/cache"
	log "github.com/sirupsen/logrus"
)

// cacheTeeWriter forwards processor output to a cache writer without ever failing the caller
// after the first cache write error the entry is marked incomplete and later bytes are dropped.
type cacheTeeWriter struct {
	writer cache.EntryWriter
	failed bool
}

func newCacheTeeWriter(writer cache.EntryWriter) *cacheTeeWriter {
	return &cacheTeeWriter{
		writer: writer,
	}
}

// Write always reports the whole buffer as written
func (tee *cacheTeeWriter) Write(data []byte) (int, error) {
	if tee.failed {
		return len(data), nil
	}

	_, err := tee.writer.Write(data)
	if err != nil {
		logger := log.WithFields(log.Fields{
			"package":  "facade",
			"struct":   "cacheTeeWriter",
			"function": "Write",
		})

		logger.WithError(err).Warn("failed to write to cache, the entry will be discarded")
		tee.writer.SetComplete(false)
		tee.failed = true
	}
	return len(data), nil
}

// IsFailed checks if a cache write has failed
func (tee *cacheTeeWriter) IsFailed() bool {
	return tee.failed
}
