// Package aws reads archives from Amazon S3 with the AWS SDK v2.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"pkt.systems/zimd/internal/source"
)

// Config controls the AWS source.
type Config struct {
	Region   string
	Bucket   string
	Key      string
	Endpoint string
	Insecure bool
	// UsePathStyle addresses the bucket in the path; needed by most S3 emulators.
	UsePathStyle bool
	ReadTimeout  time.Duration
}

// Object is an archive stored in an S3 bucket.
type Object struct {
	client  *s3.Client
	cfg     Config
	size    int64
	timeout time.Duration
}

// Open loads the default AWS credential chain, heads the object and returns
// a source over it.
func Open(ctx context.Context, cfg Config) (*Object, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("aws: object key is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = source.DefaultReadTimeout
	}

	httpClient := &http.Client{Transport: defaultTransport()}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	headCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	head, err := client.HeadObject(headCtx, &s3.HeadObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: aws %s/%s", source.ErrNotFound, cfg.Bucket, cfg.Key)
		}
		return nil, fmt.Errorf("aws: head %s/%s: %w", cfg.Bucket, cfg.Key, err)
	}
	return &Object{client: client, cfg: cfg, size: aws.ToInt64(head.ContentLength), timeout: timeout}, nil
}

// ReadAt issues one ranged GetObject.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	return source.RangedRead(p, off, o.size, func(off, n int64) (io.ReadCloser, error) {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.cfg.Bucket),
			Key:    aws.String(o.cfg.Key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1)),
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("aws: get %s/%s: %w", o.cfg.Bucket, o.cfg.Key, err)
		}
		return cancelCloser{ReadCloser: out.Body, cancel: cancel}, nil
	})
}

func (o *Object) Size() int64  { return o.size }
func (o *Object) Name() string { return fmt.Sprintf("aws://%s/%s", o.cfg.Bucket, o.cfg.Key) }
func (o *Object) Close() error { return nil }

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
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
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
