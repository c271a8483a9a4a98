// Package s3 reads archives from S3-compatible object stores through minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/zimd/internal/source"
)

// Config controls the S3 source.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Key            string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	// ReadTimeout bounds each ranged GET. Zero uses source.DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Object is an archive stored as one object.
type Object struct {
	client  *minio.Client
	cfg     Config
	size    int64
	timeout time.Duration
}

// Open stats the object and returns a source over it.
func Open(ctx context.Context, cfg Config) (*Object, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("s3: object key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = source.DefaultReadTimeout
	}
	statCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := client.StatObject(statCtx, cfg.Bucket, cfg.Key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3 %s/%s", source.ErrNotFound, cfg.Bucket, cfg.Key)
		}
		return nil, fmt.Errorf("s3: stat %s/%s: %w", cfg.Bucket, cfg.Key, err)
	}
	return &Object{client: client, cfg: cfg, size: info.Size, timeout: timeout}, nil
}

// ReadAt issues one ranged GET.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	return source.RangedRead(p, off, o.size, func(off, n int64) (io.ReadCloser, error) {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		opts := minio.GetObjectOptions{}
		if err := opts.SetRange(off, off+n-1); err != nil {
			cancel()
			return nil, fmt.Errorf("s3: range: %w", err)
		}
		obj, err := o.client.GetObject(ctx, o.cfg.Bucket, o.cfg.Key, opts)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("s3: get %s/%s: %w", o.cfg.Bucket, o.cfg.Key, err)
		}
		return cancelCloser{ReadCloser: obj, cancel: cancel}, nil
	})
}

func (o *Object) Size() int64  { return o.size }
func (o *Object) Name() string { return fmt.Sprintf("s3://%s/%s/%s", o.endpoint(), o.cfg.Bucket, o.cfg.Key) }
func (o *Object) Close() error { return nil }

func (o *Object) endpoint() string {
	return o.client.EndpointURL().Host
}

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isNotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return clone
}
