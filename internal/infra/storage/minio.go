package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Minio stores artifacts as objects; the artifact path is the object key.
type Minio struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewMinio buat koneksi MinIO
func NewMinio(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Minio, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Minio{client: cli, bucketName: bucket, region: region}, nil
}

func (s *Minio) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: domain.ContentType(key),
	})
	return err
}

func (s *Minio) Write(ctx context.Context, key domain.ArtifactKey, filename string, data []byte) (string, error) {
	p := domain.Locate(key, filename)
	if err := s.put(ctx, p, data); err != nil {
		return "", &domain.ArtifactError{Op: "write", Path: p, Err: err}
	}
	return p, nil
}

// Append re-puts the object with data appended. Objects are immutable, so
// this is read-modify-write; each log has a single writer at a time.
func (s *Minio) Append(ctx context.Context, key domain.ArtifactKey, filename string, data []byte) (string, error) {
	p := domain.Locate(key, filename)
	existing, err := s.Read(ctx, p)
	if err != nil && !isNotFound(err) {
		return "", err
	}
	buf := make([]byte, 0, len(existing)+len(data))
	buf = append(buf, existing...)
	buf = append(buf, data...)
	if err := s.put(ctx, p, buf); err != nil {
		return "", &domain.ArtifactError{Op: "append", Path: p, Err: err}
	}
	return p, nil
}

func (s *Minio) Read(ctx context.Context, p string) ([]byte, error) {
	return s.ReadFrom(ctx, p, 0)
}

func (s *Minio) ReadFrom(ctx context.Context, p string, offset int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, &domain.ArtifactError{Op: "read", Path: p, Err: err}
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, p, opts)
	if err != nil {
		return nil, s.wrap("read", p, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			return nil, nil
		}
		return nil, s.wrap("read", p, err)
	}
	return b, nil
}

func (s *Minio) Size(ctx context.Context, p string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucketName, p, minio.StatObjectOptions{})
	if err != nil {
		return 0, s.wrap("stat", p, err)
	}
	return info.Size, nil
}

func (s *Minio) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Size(ctx, p)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// DeleteAll removes every object under the task prefix.
func (s *Minio) DeleteAll(ctx context.Context, key domain.ArtifactKey) error {
	prefix := key.Dir() + "/"
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return &domain.ArtifactError{Op: "list", Path: prefix, Err: obj.Err}
		}
		if err := s.client.RemoveObject(ctx, s.bucketName, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return &domain.ArtifactError{Op: "delete", Path: obj.Key, Err: err}
		}
	}
	return nil
}

// Check is used by the health endpoint.
func (s *Minio) Check(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s missing", s.bucketName)
	}
	return nil
}

func (s *Minio) wrap(op, p string, err error) error {
	if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NoSuchObject" {
		return &domain.ArtifactError{Op: op, Path: p, Err: domain.ErrArtifactNotFound}
	}
	return &domain.ArtifactError{Op: op, Path: p, Err: err}
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, domain.ErrArtifactNotFound)
}
