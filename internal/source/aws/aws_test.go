package aws

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/zimd/internal/source"
	"pkt.systems/zimd/internal/zim"
	"pkt.systems/zimd/internal/zim/zimtest"
)

func setupFakeS3(t *testing.T, key string, data []byte) Config {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	bucket := "zimd-aws"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	host := strings.TrimPrefix(server.URL, "http://")
	if data != nil {
		client, err := minio.New(host, &minio.Options{
			Creds:        credentials.NewStaticV4("test", "test", ""),
			Region:       "us-east-1",
			BucketLookup: minio.BucketLookupPath,
		})
		if err != nil {
			t.Fatalf("minio client: %v", err)
		}
		if _, err := client.PutObject(context.Background(), bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{}); err != nil {
			t.Fatalf("put object: %v", err)
		}
	}
	return Config{
		Region:       "us-east-1",
		Bucket:       bucket,
		Key:          key,
		Endpoint:     server.URL,
		UsePathStyle: true,
	}
}

func TestObjectServesArchive(t *testing.T) {
	cfg := setupFakeS3(t, "sample.zim", zimtest.Sample(zim.CompressionXZ).MustBuild(t))
	obj, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := zim.Open(obj, obj.Size())
	if err != nil {
		t.Fatalf("zim open: %v", err)
	}
	defer a.Close()
	e, ok, err := a.EntryByPath("A/Main_Page")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	data, err := a.Blob(e.Cluster, e.Blob)
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	if !strings.Contains(string(data), "main") {
		t.Fatalf("unexpected body %q", data)
	}
	if got, want := obj.Name(), "aws://zimd-aws/sample.zim"; got != want {
		t.Fatalf("name = %q, want %q", got, want)
	}
}

func TestOpenMissingObject(t *testing.T) {
	cfg := setupFakeS3(t, "absent.zim", nil)
	if _, err := Open(context.Background(), cfg); !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("err = %v, want source.ErrNotFound", err)
	}
}

func TestOpenRequiresRegion(t *testing.T) {
	if _, err := Open(context.Background(), Config{Bucket: "b", Key: "k"}); err == nil {
		t.Fatalf("expected region error")
	}
}
