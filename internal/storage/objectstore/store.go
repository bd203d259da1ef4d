package objectstore

import (
	"context"
	"io"
	"time"
)

// Store abstracts S3-compatible object storage for artifact and manifest
// payloads. Keys follow deployments/{deployment_id}/{filename}.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	// DeletePrefix removes every object under the prefix. Best-effort on
	// the caller's side: a partial failure reports the first error.
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// Presigner issues time-limited direct upload/download URLs.
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// DeploymentKey builds the canonical object key for a deployment file.
func DeploymentKey(deploymentID, filename string) string {
	return "deployments/" + deploymentID + "/" + filename
}

// DeploymentPrefix is the key prefix covering all of a deployment's objects.
func DeploymentPrefix(deploymentID string) string {
	return "deployments/" + deploymentID + "/"
}
