package objectstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/xerrors"
)

const (
	noSuchKeyErrorCode string = "NoSuchKey"
)

// objectInfo is metadata of a stored object
type objectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	UserMetadata map[string]string
}

// incompleteUpload is a multipart upload that was neither completed nor aborted
type incompleteUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// objectAPI is the subset of an S3 compatible service used by ObjectStore
type objectAPI interface {
	BucketExists(ctx context.Context) (bool, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, *objectInfo, error)
	StatObject(ctx context.Context, key string) (*objectInfo, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	RemoveObject(ctx context.Context, key string) error
	// ListObjects calls fn for every object under prefix, stops when fn returns false
	ListObjects(ctx context.Context, prefix string, fn func(info *objectInfo) bool) error
	ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error

	NewMultipartUpload(ctx context.Context, key string, contentType string) (string, error)
	PutObjectPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (minio.CompletePart, error)
	CompleteMultipartUpload(ctx context.Context, key string, uploadID string, parts []minio.CompletePart) error
	AbortMultipartUpload(ctx context.Context, key string, uploadID string) error
	ListIncompleteUploads(ctx context.Context, prefix string) ([]incompleteUpload, error)
}

// isNoSuchKeyError checks if the error means a missing object
// a missing bucket is a misconfigured backend, not a miss.
func isNoSuchKeyError(err error) bool {
	if err == nil {
		return false
	}

	return minio.ToErrorResponse(err).Code == noSuchKeyErrorCode
}

func newObjectInfo(info minio.ObjectInfo) *objectInfo {
	return &objectInfo{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified,
		UserMetadata: info.UserMetadata,
	}
}

// minioObjectAPI implements objectAPI with minio-go
type minioObjectAPI struct {
	client *minio.Client
	core   *minio.Core
	bucket string
}

func newMinioObjectAPI(endpoint string, accessKey string, secretKey string, region string, useSSL bool, bucket string) (*minioObjectAPI, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to create minio client for %s: %w", endpoint, err)
	}

	return &minioObjectAPI{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: bucket,
	}, nil
}

func (api *minioObjectAPI) BucketExists(ctx context.Context) (bool, error) {
	return api.client.BucketExists(ctx, api.bucket)
}

func (api *minioObjectAPI) GetObject(ctx context.Context, key string) (io.ReadCloser, *objectInfo, error) {
	object, err := api.client.GetObject(ctx, api.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, err
	}

	// errors of GetObject surface on the first call to the object
	info, err := object.Stat()
	if err != nil {
		object.Close()
		return nil, nil, err
	}
	return object, newObjectInfo(info), nil
}

func (api *minioObjectAPI) StatObject(ctx context.Context, key string) (*objectInfo, error) {
	info, err := api.client.StatObject(ctx, api.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, err
	}
	return newObjectInfo(info), nil
}

func (api *minioObjectAPI) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := api.client.PutObject(ctx, api.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	return err
}

func (api *minioObjectAPI) RemoveObject(ctx context.Context, key string) error {
	return api.client.RemoveObject(ctx, api.bucket, key, minio.RemoveObjectOptions{})
}

func (api *minioObjectAPI) ListObjects(ctx context.Context, prefix string, fn func(info *objectInfo) bool) error {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for object := range api.client.ListObjects(listCtx, api.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return object.Err
		}

		if !fn(newObjectInfo(object)) {
			return nil
		}
	}
	return nil
}

func (api *minioObjectAPI) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	src := minio.CopySrcOptions{
		Bucket: api.bucket,
		Object: key,
	}
	dst := minio.CopyDestOptions{
		Bucket:          api.bucket,
		Object:          key,
		UserMetadata:    metadata,
		ReplaceMetadata: true,
	}

	_, err := api.client.CopyObject(ctx, dst, src)
	return err
}

func (api *minioObjectAPI) NewMultipartUpload(ctx context.Context, key string, contentType string) (string, error) {
	return api.core.NewMultipartUpload(ctx, api.bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
}

func (api *minioObjectAPI) PutObjectPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (minio.CompletePart, error) {
	part, err := api.core.PutObjectPart(ctx, api.bucket, key, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return minio.CompletePart{}, err
	}

	return minio.CompletePart{
		PartNumber: part.PartNumber,
		ETag:       part.ETag,
	}, nil
}

func (api *minioObjectAPI) CompleteMultipartUpload(ctx context.Context, key string, uploadID string, parts []minio.CompletePart) error {
	_, err := api.core.CompleteMultipartUpload(ctx, api.bucket, key, uploadID, parts, minio.PutObjectOptions{})
	return err
}

func (api *minioObjectAPI) AbortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	return api.core.AbortMultipartUpload(ctx, api.bucket, key, uploadID)
}

func (api *minioObjectAPI) ListIncompleteUploads(ctx context.Context, prefix string) ([]incompleteUpload, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	uploads := []incompleteUpload{}
	for upload := range api.client.ListIncompleteUploads(listCtx, api.bucket, prefix, true) {
		if upload.Err != nil {
			return nil, upload.Err
		}

		uploads = append(uploads, incompleteUpload{
			Key:       upload.Key,
			UploadID:  upload.UploadID,
			Initiated: upload.Initiated,
		})
	}
	return uploads, nil
}
