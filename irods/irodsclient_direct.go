package irods

import (
	"io"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// IRODSFSClientDirect implements IRODSFSClient with go-irodsclient
// direct access to iRODS server
type IRODSFSClientDirect struct {
	account *irodsclient_types.IRODSAccount
	fs      *irodsclient_fs.FileSystem
}

// NewIRODSAccount creates an account for native authentication
func NewIRODSAccount(host string, port int, zone string, user string, password string, resource string) *irodsclient_types.IRODSAccount {
	return &irodsclient_types.IRODSAccount{
		AuthenticationScheme: irodsclient_types.AuthSchemeNative,
		Host:                 host,
		Port:                 port,
		ClientUser:           user,
		ClientZone:           zone,
		ProxyUser:            user,
		ProxyZone:            zone,
		Password:             password,
		DefaultResource:      resource,
	}
}

// NewFileSystemConfig creates a file system config with default connection and cache settings
func NewFileSystemConfig(applicationName string) *irodsclient_fs.FileSystemConfig {
	return irodsclient_fs.NewFileSystemConfig(applicationName)
}

// NewIRODSFSClientDirect creates IRODSFSClient using IRODSFSClientDirect
// the account is validated before connecting.
func NewIRODSFSClientDirect(account *irodsclient_types.IRODSAccount, applicationName string) (IRODSFSClient, error) {
	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"function": "NewIRODSFSClientDirect",
	})

	defer utils.StackTraceFromPanic(logger)

	err := account.Validate()
	if err != nil {
		return nil, xerrors.Errorf("failed to validate iRODS account of %s: %w", account.ClientUser, err)
	}

	config := NewFileSystemConfig(applicationName)

	fs, err := irodsclient_fs.NewFileSystem(account, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to connect to iRODS host %s: %w", account.Host, err)
	}

	logger.Infof("Connected to iRODS host %s:%d as %s", account.Host, account.Port, account.ClientUser)

	return &IRODSFSClientDirect{
		account: account,
		fs:      fs,
	}, nil
}

func (client *IRODSFSClientDirect) getFS() (*irodsclient_fs.FileSystem, error) {
	if client.fs == nil {
		return nil, xerrors.Errorf("file system of %s is released", client.account.Host)
	}
	return client.fs, nil
}

// Release releases resources
func (client *IRODSFSClientDirect) Release() {
	if client.fs != nil {
		client.fs.Release()
		client.fs = nil
	}
}

// List lists collection entries
func (client *IRODSFSClientDirect) List(path string) ([]*irodsclient_fs.Entry, error) {
	fs, err := client.getFS()
	if err != nil {
		return nil, err
	}
	return fs.List(path)
}

// ExistsDir checks existance of a collection
func (client *IRODSFSClientDirect) ExistsDir(path string) bool {
	fs, err := client.getFS()
	if err != nil {
		return false
	}
	return fs.ExistsDir(path)
}

// RemoveFile removes a data object
func (client *IRODSFSClientDirect) RemoveFile(path string, force bool) error {
	fs, err := client.getFS()
	if err != nil {
		return err
	}
	return fs.RemoveFile(path, force)
}

// RemoveDir removes a collection
func (client *IRODSFSClientDirect) RemoveDir(path string, recurse bool, force bool) error {
	fs, err := client.getFS()
	if err != nil {
		return err
	}
	return fs.RemoveDir(path, recurse, force)
}

// MakeDir makes a new collection
func (client *IRODSFSClientDirect) MakeDir(path string, recurse bool) error {
	fs, err := client.getFS()
	if err != nil {
		return err
	}
	return fs.MakeDir(path, recurse)
}

// RenameFileToFile renames a data object, an existing destination is replaced
func (client *IRODSFSClientDirect) RenameFileToFile(srcPath string, destPath string) error {
	fs, err := client.getFS()
	if err != nil {
		return err
	}

	if fs.ExistsFile(destPath) {
		err := fs.RemoveFile(destPath, true)
		if err != nil && !IsFileNotFoundError(err) {
			return xerrors.Errorf("failed to remove existing data object %s: %w", destPath, err)
		}
	}

	return fs.RenameFileToFile(srcPath, destPath)
}

// CreateFile creates a data object
func (client *IRODSFSClientDirect) CreateFile(path string, resource string, mode string) (IRODSFSFileHandle, error) {
	fs, err := client.getFS()
	if err != nil {
		return nil, err
	}

	handle, err := fs.CreateFile(path, resource, mode)
	if err != nil {
		return nil, err
	}
	return &directFileHandle{handle: handle}, nil
}

// OpenFile opens a data object
func (client *IRODSFSClientDirect) OpenFile(path string, resource string, mode string) (IRODSFSFileHandle, error) {
	fs, err := client.getFS()
	if err != nil {
		return nil, err
	}

	handle, err := fs.OpenFile(path, resource, mode)
	if err != nil {
		return nil, err
	}
	return &directFileHandle{handle: handle}, nil
}

// directFileHandle implements IRODSFSFileHandle, EOF is passed through unwrapped
type directFileHandle struct {
	handle *irodsclient_fs.FileHandle
}

func (handle *directFileHandle) GetEntry() *irodsclient_fs.Entry {
	return handle.handle.GetEntry()
}

func (handle *directFileHandle) ReadAt(buffer []byte, offset int64) (int, error) {
	readLen, err := handle.handle.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return readLen, xerrors.Errorf("failed to read data object at %d: %w", offset, err)
	}
	return readLen, err
}

func (handle *directFileHandle) WriteAt(data []byte, offset int64) (int, error) {
	return handle.handle.WriteAt(data, offset)
}

func (handle *directFileHandle) Close() error {
	return handle.handle.Close()
}
