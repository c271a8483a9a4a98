// Package azure reads archives from Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"pkt.systems/zimd/internal/source"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account     string
	AccountKey  string
	Endpoint    string
	SASToken    string
	Container   string
	Blob        string
	ReadTimeout time.Duration
}

// Blob is an archive stored as one block blob.
type Blob struct {
	client  *azblob.Client
	cfg     Config
	size    int64
	timeout time.Duration
}

// Open builds a client from the shared key or SAS token, reads the blob
// properties and returns a source over it.
func Open(ctx context.Context, cfg Config) (*Blob, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" || cfg.Blob == "" {
		return nil, fmt.Errorf("azure: container and blob are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = source.DefaultReadTimeout
	}
	propCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	props, err := client.ServiceClient().NewContainerClient(cfg.Container).NewBlobClient(cfg.Blob).GetProperties(propCtx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: azure %s/%s", source.ErrNotFound, cfg.Container, cfg.Blob)
		}
		return nil, fmt.Errorf("azure: properties %s/%s: %w", cfg.Container, cfg.Blob, err)
	}
	if props.ContentLength == nil {
		return nil, fmt.Errorf("azure: %s/%s reports no content length", cfg.Container, cfg.Blob)
	}
	return &Blob{client: client, cfg: cfg, size: *props.ContentLength, timeout: timeout}, nil
}

// ReadAt downloads one byte range.
func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	return source.RangedRead(p, off, b.size, func(off, n int64) (io.ReadCloser, error) {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		resp, err := b.client.DownloadStream(ctx, b.cfg.Container, b.cfg.Blob, &azblob.DownloadStreamOptions{
			Range: azblob.HTTPRange{Offset: off, Count: n},
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("azure: download %s/%s: %w", b.cfg.Container, b.cfg.Blob, err)
		}
		return cancelCloser{ReadCloser: resp.Body, cancel: cancel}, nil
	})
}

func (b *Blob) Size() int64 { return b.size }
func (b *Blob) Name() string {
	return fmt.Sprintf("azure://%s/%s/%s", b.cfg.Account, b.cfg.Container, b.cfg.Blob)
}
func (b *Blob) Close() error { return nil }

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transportAdapter{rt: defaultTransport()},
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

var _ policy.Transporter = transportAdapter{}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
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

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
