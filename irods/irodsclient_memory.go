package irods

import (
	"io"
	"strings"
	"sync"
	"time"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/imagecache-common/utils"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

const (
	memoryIDStart int64 = 90000000
)

type memoryEntry struct {
	entry   irodsclient_fs.Entry
	content []byte
}

// IRODSFSClientMemory implements IRODSFSClient on an in-process tree of collections and data objects
// used where no iRODS server is reachable, e.g., tests
type IRODSFSClientMemory struct {
	account *irodsclient_types.IRODSAccount
	idCount int64
	entries map[string]*memoryEntry
	down    bool
	clock   func() time.Time
	mutex   sync.Mutex
}

// NewIRODSFSClientMemory creates IRODSFSClient with an empty tree
func NewIRODSFSClientMemory(account *irodsclient_types.IRODSAccount) *IRODSFSClientMemory {
	client := &IRODSFSClientMemory{
		account: account,
		entries: map[string]*memoryEntry{},
		clock:   time.Now,
	}

	client.entries["/"] = client.makeEntry("/", irodsclient_fs.DirectoryEntry)
	return client
}

// SetClock sets the time source of modify times
func (client *IRODSFSClientMemory) SetClock(clock func() time.Time) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.clock = clock
}

// SetDown makes every operation fail as if the server is unreachable
func (client *IRODSFSClientMemory) SetDown(down bool) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.down = down
}

// GetPaths returns paths of all data objects
func (client *IRODSFSClientMemory) GetPaths() []string {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	paths := []string{}
	for path, entry := range client.entries {
		if entry.entry.Type == irodsclient_fs.FileEntry {
			paths = append(paths, path)
		}
	}
	return paths
}

func (client *IRODSFSClientMemory) makeEntry(path string, entryType irodsclient_fs.EntryType) *memoryEntry {
	client.idCount++

	now := client.clock()
	return &memoryEntry{
		entry: irodsclient_fs.Entry{
			ID:         memoryIDStart + client.idCount,
			Type:       entryType,
			Name:       utils.GetFileName(path),
			Path:       path,
			CreateTime: now,
			ModifyTime: now,
		},
	}
}

func (client *IRODSFSClientMemory) checkUp() error {
	if client.down {
		return xerrors.Errorf("failed to connect to iRODS host %s: connection refused", client.account.Host)
	}
	return nil
}

func (client *IRODSFSClientMemory) notFound(path string) error {
	return xerrors.Errorf("failed to find the file or directory for path %s: %w", path, irodsclient_types.NewFileNotFoundError(path))
}

func (client *IRODSFSClientMemory) isChild(parent string, path string) bool {
	if parent == "/" {
		return path != "/" && strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, parent+"/")
}

func (client *IRODSFSClientMemory) stat(path string) (*irodsclient_fs.Entry, bool) {
	if entry, ok := client.entries[path]; ok {
		stat := entry.entry
		stat.Size = int64(len(entry.content))
		return &stat, true
	}
	return nil, false
}

// Release releases resources
func (client *IRODSFSClientMemory) Release() {
}

// List lists collection entries
func (client *IRODSFSClientMemory) List(path string) ([]*irodsclient_fs.Entry, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return nil, err
	}

	dir, ok := client.entries[path]
	if !ok || dir.entry.Type != irodsclient_fs.DirectoryEntry {
		return nil, client.notFound(path)
	}

	entries := []*irodsclient_fs.Entry{}
	for entryPath := range client.entries {
		if client.isChild(path, entryPath) && utils.GetDirName(entryPath) == path {
			stat, _ := client.stat(entryPath)
			entries = append(entries, stat)
		}
	}
	return entries, nil
}

// Stat stats fs entry, used by tests to inspect the tree
func (client *IRODSFSClientMemory) Stat(path string) (*irodsclient_fs.Entry, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return nil, err
	}

	if stat, ok := client.stat(path); ok {
		return stat, nil
	}
	return nil, client.notFound(path)
}

// ExistsDir checks existance of a collection
func (client *IRODSFSClientMemory) ExistsDir(path string) bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.down {
		return false
	}

	entry, ok := client.entries[path]
	return ok && entry.entry.Type == irodsclient_fs.DirectoryEntry
}

// ExistsFile checks existance of a data object, used by tests to inspect the tree
func (client *IRODSFSClientMemory) ExistsFile(path string) bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.down {
		return false
	}

	entry, ok := client.entries[path]
	return ok && entry.entry.Type == irodsclient_fs.FileEntry
}

// RemoveFile removes a data object
func (client *IRODSFSClientMemory) RemoveFile(path string, force bool) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return err
	}

	entry, ok := client.entries[path]
	if !ok || entry.entry.Type != irodsclient_fs.FileEntry {
		return client.notFound(path)
	}

	delete(client.entries, path)
	return nil
}

// RemoveDir removes a collection
func (client *IRODSFSClientMemory) RemoveDir(path string, recurse bool, force bool) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return err
	}

	entry, ok := client.entries[path]
	if !ok || entry.entry.Type != irodsclient_fs.DirectoryEntry {
		return client.notFound(path)
	}

	children := []string{}
	for entryPath := range client.entries {
		if client.isChild(path, entryPath) {
			children = append(children, entryPath)
		}
	}

	if len(children) > 0 && !recurse {
		return xerrors.Errorf("failed to remove collection %s: collection is not empty", path)
	}

	for _, child := range children {
		delete(client.entries, child)
	}
	delete(client.entries, path)
	return nil
}

// MakeDir makes a new collection
func (client *IRODSFSClientMemory) MakeDir(path string, recurse bool) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return err
	}

	return client.makeDir(path, recurse)
}

func (client *IRODSFSClientMemory) makeDir(path string, recurse bool) error {
	if entry, ok := client.entries[path]; ok {
		if entry.entry.Type == irodsclient_fs.DirectoryEntry {
			return nil
		}
		return xerrors.Errorf("failed to make collection %s: data object exists", path)
	}

	parent := utils.GetDirName(path)
	if _, ok := client.entries[parent]; !ok {
		if !recurse {
			return client.notFound(parent)
		}

		err := client.makeDir(parent, recurse)
		if err != nil {
			return err
		}
	}

	client.entries[path] = client.makeEntry(path, irodsclient_fs.DirectoryEntry)
	return nil
}

// RenameFileToFile renames a data object, an existing destination is replaced
func (client *IRODSFSClientMemory) RenameFileToFile(srcPath string, destPath string) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return err
	}

	entry, ok := client.entries[srcPath]
	if !ok || entry.entry.Type != irodsclient_fs.FileEntry {
		return client.notFound(srcPath)
	}

	if _, ok := client.entries[utils.GetDirName(destPath)]; !ok {
		return client.notFound(utils.GetDirName(destPath))
	}

	delete(client.entries, srcPath)
	entry.entry.Path = destPath
	entry.entry.Name = utils.GetFileName(destPath)
	client.entries[destPath] = entry
	return nil
}

// CreateFile creates or truncates a data object
func (client *IRODSFSClientMemory) CreateFile(path string, resource string, mode string) (IRODSFSFileHandle, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return nil, err
	}

	if _, ok := client.entries[utils.GetDirName(path)]; !ok {
		return nil, client.notFound(utils.GetDirName(path))
	}

	entry := client.makeEntry(path, irodsclient_fs.FileEntry)
	client.entries[path] = entry

	return &IRODSFSClientMemoryFileHandle{
		id:     xid.New().String(),
		client: client,
		entry:  entry,
	}, nil
}

// OpenFile opens a data object
func (client *IRODSFSClientMemory) OpenFile(path string, resource string, mode string) (IRODSFSFileHandle, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if err := client.checkUp(); err != nil {
		return nil, err
	}

	entry, ok := client.entries[path]
	if !ok || entry.entry.Type != irodsclient_fs.FileEntry {
		return nil, client.notFound(path)
	}

	return &IRODSFSClientMemoryFileHandle{
		id:     xid.New().String(),
		client: client,
		entry:  entry,
	}, nil
}

// IRODSFSClientMemoryFileHandle implements IRODSFSFileHandle
type IRODSFSClientMemoryFileHandle struct {
	id     string
	client *IRODSFSClientMemory
	entry  *memoryEntry
	closed bool
}

func (handle *IRODSFSClientMemoryFileHandle) GetEntry() *irodsclient_fs.Entry {
	handle.client.mutex.Lock()
	defer handle.client.mutex.Unlock()

	entry := handle.entry.entry
	entry.Size = int64(len(handle.entry.content))
	return &entry
}

func (handle *IRODSFSClientMemoryFileHandle) ReadAt(buffer []byte, offset int64) (int, error) {
	handle.client.mutex.Lock()
	defer handle.client.mutex.Unlock()

	if err := handle.client.checkUp(); err != nil {
		return 0, err
	}

	if handle.closed {
		return 0, xerrors.Errorf("file handle %s is closed", handle.id)
	}

	content := handle.entry.content
	if offset >= int64(len(content)) {
		return 0, io.EOF
	}

	readLen := copy(buffer, content[offset:])
	return readLen, nil
}

func (handle *IRODSFSClientMemoryFileHandle) WriteAt(data []byte, offset int64) (int, error) {
	handle.client.mutex.Lock()
	defer handle.client.mutex.Unlock()

	if err := handle.client.checkUp(); err != nil {
		return 0, err
	}

	if handle.closed {
		return 0, xerrors.Errorf("file handle %s is closed", handle.id)
	}

	end := offset + int64(len(data))
	if end > int64(len(handle.entry.content)) {
		grown := make([]byte, end)
		copy(grown, handle.entry.content)
		handle.entry.content = grown
	}

	copy(handle.entry.content[offset:], data)
	handle.entry.entry.ModifyTime = handle.client.clock()
	return len(data), nil
}

func (handle *IRODSFSClientMemoryFileHandle) Close() error {
	handle.client.mutex.Lock()
	defer handle.client.mutex.Unlock()

	handle.closed = true
	return nil
}
