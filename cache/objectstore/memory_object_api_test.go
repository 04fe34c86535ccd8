package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

var errTestBackendDown = xerrors.New("connection refused")

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
	metadata     map[string]string
}

type memoryUpload struct {
	key       string
	parts     map[int][]byte
	initiated time.Time
}

// memoryObjectAPI is an in-memory objectAPI
type memoryObjectAPI struct {
	objects    map[string]*memoryObject
	uploads    map[string]*memoryUpload
	clock      func() time.Time
	down       bool
	errorCode  string
	failPuts   bool
	failPartNo int
	mutex      sync.Mutex
}

func newMemoryObjectAPI(clock func() time.Time) *memoryObjectAPI {
	if clock == nil {
		clock = time.Now
	}

	return &memoryObjectAPI{
		objects: map[string]*memoryObject{},
		uploads: map[string]*memoryUpload{},
		clock:   clock,
	}
}

func noSuchKey(key string) error {
	return minio.ErrorResponse{
		Code:    noSuchKeyErrorCode,
		Message: "The specified key does not exist.",
		Key:     key,
	}
}

func (api *memoryObjectAPI) setDown(down bool) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	api.down = down
}

// setErrorCode makes object reads fail with the server error code
func (api *memoryObjectAPI) setErrorCode(code string) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	api.errorCode = code
}

func (api *memoryObjectAPI) setFailPuts(fail bool) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	api.failPuts = fail
}

func (api *memoryObjectAPI) setFailPartNumber(partNumber int) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	api.failPartNo = partNumber
}

func (api *memoryObjectAPI) getObjectKeys() []string {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	keys := []string{}
	for key := range api.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (api *memoryObjectAPI) getUploadCount() int {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	return len(api.uploads)
}

func (api *memoryObjectAPI) BucketExists(ctx context.Context) (bool, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return false, errTestBackendDown
	}
	return true, nil
}

func (api *memoryObjectAPI) GetObject(ctx context.Context, key string) (io.ReadCloser, *objectInfo, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return nil, nil, errTestBackendDown
	}

	if len(api.errorCode) > 0 {
		return nil, nil, minio.ErrorResponse{
			Code:       api.errorCode,
			Key:        key,
			StatusCode: 404,
		}
	}

	object, ok := api.objects[key]
	if !ok {
		return nil, nil, noSuchKey(key)
	}

	return io.NopCloser(bytes.NewReader(object.data)), api.makeInfo(key, object), nil
}

func (api *memoryObjectAPI) makeInfo(key string, object *memoryObject) *objectInfo {
	metadata := map[string]string{}
	for k, v := range object.metadata {
		// servers return canonicalized keys
		metadata["X-Amz-Meta-"+strings.ToUpper(k[:1])+k[1:]] = v
	}

	return &objectInfo{
		Key:          key,
		Size:         int64(len(object.data)),
		LastModified: object.lastModified,
		UserMetadata: metadata,
	}
}

func (api *memoryObjectAPI) StatObject(ctx context.Context, key string) (*objectInfo, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return nil, errTestBackendDown
	}

	object, ok := api.objects[key]
	if !ok {
		return nil, noSuchKey(key)
	}
	return api.makeInfo(key, object), nil
}

func (api *memoryObjectAPI) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down || api.failPuts {
		return errTestBackendDown
	}

	api.objects[key] = &memoryObject{
		data:         append([]byte{}, data...),
		contentType:  contentType,
		lastModified: api.clock(),
		metadata:     metadata,
	}
	return nil
}

func (api *memoryObjectAPI) RemoveObject(ctx context.Context, key string) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return errTestBackendDown
	}

	delete(api.objects, key)
	return nil
}

func (api *memoryObjectAPI) ListObjects(ctx context.Context, prefix string, fn func(info *objectInfo) bool) error {
	api.mutex.Lock()
	if api.down {
		api.mutex.Unlock()
		return errTestBackendDown
	}

	infos := []*objectInfo{}
	for key, object := range api.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, api.makeInfo(key, object))
		}
	}
	api.mutex.Unlock()

	sort.Slice(infos, func(i int, j int) bool {
		return infos[i].Key < infos[j].Key
	})

	for _, info := range infos {
		if !fn(info) {
			return nil
		}
	}
	return nil
}

func (api *memoryObjectAPI) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return errTestBackendDown
	}

	object, ok := api.objects[key]
	if !ok {
		return noSuchKey(key)
	}

	object.metadata = metadata
	object.lastModified = api.clock()
	return nil
}

func (api *memoryObjectAPI) NewMultipartUpload(ctx context.Context, key string, contentType string) (string, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return "", errTestBackendDown
	}

	uploadID := xid.New().String()
	api.uploads[uploadID] = &memoryUpload{
		key:       key,
		parts:     map[int][]byte{},
		initiated: api.clock(),
	}
	return uploadID, nil
}

func (api *memoryObjectAPI) PutObjectPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (minio.CompletePart, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down || api.failPartNo == partNumber {
		return minio.CompletePart{}, errTestBackendDown
	}

	upload, ok := api.uploads[uploadID]
	if !ok {
		return minio.CompletePart{}, minio.ErrorResponse{Code: "NoSuchUpload"}
	}

	upload.parts[partNumber] = append([]byte{}, data...)
	return minio.CompletePart{
		PartNumber: partNumber,
		ETag:       xid.New().String(),
	}, nil
}

func (api *memoryObjectAPI) CompleteMultipartUpload(ctx context.Context, key string, uploadID string, parts []minio.CompletePart) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return errTestBackendDown
	}

	upload, ok := api.uploads[uploadID]
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchUpload"}
	}

	data := []byte{}
	for _, part := range parts {
		data = append(data, upload.parts[part.PartNumber]...)
	}

	api.objects[key] = &memoryObject{
		data:         data,
		lastModified: api.clock(),
	}
	delete(api.uploads, uploadID)
	return nil
}

func (api *memoryObjectAPI) AbortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return errTestBackendDown
	}

	delete(api.uploads, uploadID)
	return nil
}

func (api *memoryObjectAPI) ListIncompleteUploads(ctx context.Context, prefix string) ([]incompleteUpload, error) {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.down {
		return nil, errTestBackendDown
	}

	uploads := []incompleteUpload{}
	for uploadID, upload := range api.uploads {
		if strings.HasPrefix(upload.key, prefix) {
			uploads = append(uploads, incompleteUpload{
				Key:       upload.key,
				UploadID:  uploadID,
				Initiated: upload.initiated,
			})
		}
	}
	return uploads, nil
}
