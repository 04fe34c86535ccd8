package irods

import (
	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
)

// IRODSFSClient is the subset of iRODS file system operations used by the data grid cache
type IRODSFSClient interface {
	Release()

	List(path string) ([]*irodsclient_fs.Entry, error)
	ExistsDir(path string) bool
	RemoveFile(path string, force bool) error
	RemoveDir(path string, recurse bool, force bool) error
	MakeDir(path string, recurse bool) error
	RenameFileToFile(srcPath string, destPath string) error
	CreateFile(path string, resource string, mode string) (IRODSFSFileHandle, error)
	OpenFile(path string, resource string, mode string) (IRODSFSFileHandle, error)
}

// IRODSFSFileHandle is a handle of an opened data object
type IRODSFSFileHandle interface {
	GetEntry() *irodsclient_fs.Entry
	ReadAt(buffer []byte, offset int64) (int, error)
	WriteAt(data []byte, offset int64) (int, error)
	Close() error
}

// IsFileNotFoundError checks if the error is for a missing data object or collection
func IsFileNotFoundError(err error) bool {
	return irodsclient_types.IsFileNotFoundError(err)
}
