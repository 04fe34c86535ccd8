package heap

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cyverse/imagecache-common/cache"
	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// dump record field numbers
const (
	dumpImageRecord protowire.Number = 1
	dumpInfoRecord  protowire.Number = 2

	imageFieldIdentifier   protowire.Number = 1
	imageFieldOperations   protowire.Number = 2
	imageFieldLastAccessed protowire.Number = 3
	imageFieldPayload      protowire.Number = 4
	imageFieldExtension    protowire.Number = 5

	infoFieldIdentifier   protowire.Number = 1
	infoFieldLastAccessed protowire.Number = 2
	infoFieldJSON         protowire.Number = 3
)

func appendImageRecord(b []byte, entry *heapEntry) []byte {
	record := []byte{}
	record = protowire.AppendTag(record, imageFieldIdentifier, protowire.BytesType)
	record = protowire.AppendString(record, entry.key.GetIdentifier().String())
	record = protowire.AppendTag(record, imageFieldOperations, protowire.BytesType)
	record = protowire.AppendString(record, entry.key.GetOperations())
	record = protowire.AppendTag(record, imageFieldLastAccessed, protowire.VarintType)
	record = protowire.AppendVarint(record, uint64(entry.lastAccessed.Load()))
	record = protowire.AppendTag(record, imageFieldPayload, protowire.BytesType)
	record = protowire.AppendBytes(record, entry.data)
	record = protowire.AppendTag(record, imageFieldExtension, protowire.BytesType)
	record = protowire.AppendString(record, entry.key.GetExtension())

	b = protowire.AppendTag(b, dumpImageRecord, protowire.BytesType)
	return protowire.AppendBytes(b, record)
}

func appendInfoRecord(b []byte, entry *heapEntry) []byte {
	record := []byte{}
	record = protowire.AppendTag(record, infoFieldIdentifier, protowire.BytesType)
	record = protowire.AppendString(record, entry.key.GetIdentifier().String())
	record = protowire.AppendTag(record, infoFieldLastAccessed, protowire.VarintType)
	record = protowire.AppendVarint(record, uint64(entry.lastAccessed.Load()))
	record = protowire.AppendTag(record, infoFieldJSON, protowire.BytesType)
	record = protowire.AppendBytes(record, entry.data)

	b = protowire.AppendTag(b, dumpInfoRecord, protowire.BytesType)
	return protowire.AppendBytes(b, record)
}

// Dump writes all image and info entries to w, returns the number of written entries
func (store *HeapStore) Dump(w io.Writer) (int, error) {
	written := 0
	buffer := []byte{}

	for _, entry := range store.snapshot() {
		buffer = buffer[:0]

		switch entry.key.GetKind() {
		case cache.KindImage:
			buffer = appendImageRecord(buffer, entry)
		case cache.KindInfo:
			buffer = appendInfoRecord(buffer, entry)
		default:
			continue
		}

		_, err := w.Write(buffer)
		if err != nil {
			return written, xerrors.Errorf("failed to write heap dump record: %w", err)
		}
		written++
	}

	return written, nil
}

type dumpRecord struct {
	identifier   string
	operations   string
	extension    string
	lastAccessed int64
	payload      []byte
}

func consumeRecord(data []byte, isImage bool) (*dumpRecord, error) {
	record := &dumpRecord{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == imageFieldIdentifier && typ == protowire.BytesType:
			// identifier has the same field number in both records
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			record.identifier = v
			n = m
		case isImage && num == imageFieldOperations && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			record.operations = v
			n = m
		case isImage && num == imageFieldLastAccessed && typ == protowire.VarintType,
			!isImage && num == infoFieldLastAccessed && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			record.lastAccessed = int64(v)
			n = m
		case isImage && num == imageFieldPayload && typ == protowire.BytesType,
			!isImage && num == infoFieldJSON && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			record.payload = append([]byte{}, v...)
			n = m
		case isImage && num == imageFieldExtension && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			record.extension = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
		}
		data = data[n:]
	}

	return record, nil
}

// Load reads entries dumped by Dump from r, returns the number of loaded entries
// unknown fields are skipped, keys held already are kept.
func (store *HeapStore) Load(r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, xerrors.Errorf("failed to read heap dump: %w", err)
	}

	loaded := 0
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return loaded, xerrors.Errorf("failed to parse heap dump tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType || (num != dumpImageRecord && num != dumpInfoRecord) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return loaded, xerrors.Errorf("failed to skip heap dump field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		recordData, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return loaded, xerrors.Errorf("failed to parse heap dump record: %w", protowire.ParseError(n))
		}
		data = data[n:]

		isImage := num == dumpImageRecord
		record, err := consumeRecord(recordData, isImage)
		if err != nil {
			return loaded, xerrors.Errorf("failed to parse heap dump record: %w", err)
		}

		identifier := types.Identifier(record.identifier)
		key := cache.KeyForInfo(identifier)
		if isImage {
			key = cache.NewImageKey(identifier, record.operations, record.extension)
		}

		lastAccessed := utils.MakeTimeFromEpochMillis(record.lastAccessed)
		if store.put(key, record.payload, lastAccessed, lastAccessed) {
			loaded++
		}
	}

	return loaded, nil
}

// DumpToFile writes the dump to a temp file and renames it to path
func (store *HeapStore) DumpToFile(path string) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "heap",
		"struct":   "HeapStore",
		"function": "DumpToFile",
	})

	defer utils.StackTraceFromPanic(logger)

	dirPath := filepath.Dir(path)
	err := os.MkdirAll(dirPath, 0777)
	if err != nil {
		return 0, xerrors.Errorf("failed to make dir %s: %w", dirPath, err)
	}

	tempPath := path + "." + xid.New().String() + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, xerrors.Errorf("failed to create %s: %w", tempPath, err)
	}

	start := time.Now()
	writer := bufio.NewWriter(f)
	written, err := store.Dump(writer)
	if err == nil {
		err = writer.Flush()
	}

	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tempPath)
		return 0, xerrors.Errorf("failed to dump heap to %s: %w", tempPath, err)
	}

	err = os.Rename(tempPath, path)
	if err != nil {
		os.Remove(tempPath)
		return 0, xerrors.Errorf("failed to rename %s to %s: %w", tempPath, path, err)
	}

	logger.Infof("Dumped %d heap entries to %s in %v", written, path, time.Since(start))
	return written, nil
}

// LoadFromFile loads the dump at path, a missing file loads nothing
func (store *HeapStore) LoadFromFile(path string) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "heap",
		"struct":   "HeapStore",
		"function": "LoadFromFile",
	})

	defer utils.StackTraceFromPanic(logger)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debugf("No heap dump at %s", path)
			return 0, nil
		}
		return 0, xerrors.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	loaded, err := store.Load(bufio.NewReader(f))
	if err != nil {
		return loaded, err
	}

	logger.Infof("Loaded %d heap entries from %s", loaded, path)
	return loaded, nil
}
