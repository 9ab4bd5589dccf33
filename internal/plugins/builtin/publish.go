package builtin

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/plugins"
)

// Cache-Control values for published objects.
const (
	ImmutableCacheControl  = "public, max-age=31536000, immutable"
	RevalidateCacheControl = "no-cache"
)

// ObjectStore uploads objects to a bucket.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content []byte, contentType, cacheControl string) error
}

// MinioStore is an ObjectStore backed by an S3-compatible service.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates an S3-compatible store.
func NewMinioStore(endpoint, accessKey, secretKey, region, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

// PutObject uploads content under key.
func (s *MinioStore) PutObject(ctx context.Context, key string, content []byte, contentType, cacheControl string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return nil
}

// PublishPlugin uploads the artifact set after emit in production builds.
type PublishPlugin struct {
	store  ObjectStore
	prefix string
	always bool
}

// NewPublishPlugin creates the plugin with an explicit store.
func NewPublishPlugin(store ObjectStore, opts config.Options) *PublishPlugin {
	return &PublishPlugin{
		store:  store,
		prefix: strings.Trim(opts.String("prefix", ""), "/"),
		always: opts.Bool("always", false),
	}
}

// NewPublishPluginFromOptions creates the plugin with a MinioStore. Options:
// endpoint, bucket, region, prefix, secure, always. Credentials come from
// the access_key and secret_key options or ASSETPIPE_PUBLISH_ACCESS_KEY and
// ASSETPIPE_PUBLISH_SECRET_KEY.
func NewPublishPluginFromOptions(opts config.Options) (plugins.Plugin, error) {
	endpoint := opts.String("endpoint", "")
	bucket := opts.String("bucket", "")
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("publish needs endpoint and bucket")
	}

	store, err := NewMinioStore(
		endpoint,
		opts.String("access_key", os.Getenv("ASSETPIPE_PUBLISH_ACCESS_KEY")),
		opts.String("secret_key", os.Getenv("ASSETPIPE_PUBLISH_SECRET_KEY")),
		opts.String("region", ""),
		bucket,
		opts.Bool("secure", true),
	)
	if err != nil {
		return nil, err
	}

	return NewPublishPlugin(store, opts), nil
}

func (p *PublishPlugin) Name() string { return "publish" }

func (p *PublishPlugin) Points() []plugins.Point {
	return []plugins.Point{plugins.PointPostWrite}
}

// Apply uploads every committed artifact once the local output has been
// written, so a failed write never leaves a newer set in the bucket. Hashed
// names get long-term caching; everything else must be revalidated.
func (p *PublishPlugin) Apply(ctx context.Context, _ plugins.Point, hc *plugins.HookContext) error {
	if hc.Development() && !p.always {
		return nil
	}

	artifacts := hc.Artifacts()
	for _, a := range artifacts {
		key := a.FileName
		if p.prefix != "" {
			key = p.prefix + "/" + key
		}
		cacheControl := RevalidateCacheControl
		if a.Hashed {
			cacheControl = ImmutableCacheControl
		}
		if err := p.store.PutObject(ctx, key, a.Content, ContentType(a.FileName), cacheControl); err != nil {
			return err
		}
	}
	hc.Logger().Info(ctx, "Published artifacts", "count", len(artifacts))

	return nil
}

// ContentType guesses a MIME type from a file name.
func ContentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}

	return "application/octet-stream"
}
