package zimd

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/zimd/internal/source"
	awssource "pkt.systems/zimd/internal/source/aws"
	azuresource "pkt.systems/zimd/internal/source/azure"
	s3source "pkt.systems/zimd/internal/source/s3"
)

// archiveLocation is a parsed Config.Archive value. Exactly one of the
// per-scheme configs is meaningful, selected by scheme.
type archiveLocation struct {
	scheme string
	file   source.FileConfig
	s3     s3source.Config
	aws    awssource.Config
	azure  azuresource.Config
}

func parseArchiveLocation(cfg Config) (archiveLocation, error) {
	raw := strings.TrimSpace(cfg.Archive)
	if raw == "" {
		return archiveLocation{}, fmt.Errorf("config: archive is required")
	}
	if !strings.Contains(raw, "://") {
		return archiveLocation{scheme: "file", file: source.FileConfig{Path: raw, MMap: cfg.MMap}}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return archiveLocation{}, fmt.Errorf("parse archive URL: %w", err)
	}
	query := u.Query()
	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + u.Path
		}
		if path == "" {
			return archiveLocation{}, fmt.Errorf("file archive missing path (expected file:///path/to/archive.zim)")
		}
		mmap := cfg.MMap || queryBool(query, "mmap")
		return archiveLocation{scheme: "file", file: source.FileConfig{Path: path, MMap: mmap}}, nil
	case "s3":
		s3cfg, err := buildS3Config(cfg, u)
		if err != nil {
			return archiveLocation{}, err
		}
		return archiveLocation{scheme: "s3", s3: s3cfg}, nil
	case "aws":
		awscfg, err := buildAWSConfig(cfg, u)
		if err != nil {
			return archiveLocation{}, err
		}
		return archiveLocation{scheme: "aws", aws: awscfg}, nil
	case "azure":
		azcfg, err := buildAzureConfig(cfg, u)
		if err != nil {
			return archiveLocation{}, err
		}
		return archiveLocation{scheme: "azure", azure: azcfg}, nil
	default:
		return archiveLocation{}, fmt.Errorf("%w %q", source.ErrUnsupportedScheme, u.Scheme)
	}
}

// splitObjectPath splits "/bucket/key/with/slashes" into bucket and key.
func splitObjectPath(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	first, rest, _ := strings.Cut(p, "/")
	return strings.TrimSpace(first), rest
}

func buildS3Config(cfg Config, u *url.URL) (s3source.Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3source.Config{}, fmt.Errorf("s3 archive missing host (expected s3://host[:port]/bucket/key)")
	}
	bucket, key := splitObjectPath(u.Path)
	if bucket == "" || key == "" {
		return s3source.Config{}, fmt.Errorf("s3 archive missing bucket or key (expected s3://host[:port]/bucket/key)")
	}
	query := u.Query()
	secure := true
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if queryBool(query, "insecure") {
		secure = false
	}
	out := s3source.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Key:            key,
		Insecure:       !secure,
		ForcePathStyle: queryBool(query, "path-style"),
		ReadTimeout:    cfg.ObjectReadTimeout,
	}
	if cfg.S3AccessKeyID != "" {
		out.CustomCreds = minioCredentials.NewStaticV4(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3SessionToken)
	}
	return out, nil
}

func buildAWSConfig(cfg Config, u *url.URL) (awssource.Config, error) {
	bucket := strings.TrimSpace(u.Host)
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return awssource.Config{}, fmt.Errorf("aws archive missing bucket or key (expected aws://bucket/key)")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awssource.Config{}, fmt.Errorf("aws archive requires region (set --aws-region or ZIMD_AWS_REGION)")
	}
	return awssource.Config{
		Region:       region,
		Bucket:       bucket,
		Key:          key,
		Endpoint:     query.Get("endpoint"),
		Insecure:     queryBool(query, "insecure"),
		UsePathStyle: queryBool(query, "path-style"),
		ReadTimeout:  cfg.ObjectReadTimeout,
	}, nil
}

func buildAzureConfig(cfg Config, u *url.URL) (azuresource.Config, error) {
	account := strings.TrimSpace(u.Host)
	if account == "" {
		return azuresource.Config{}, fmt.Errorf("azure archive missing account (expected azure://account/container/blob)")
	}
	container, blob := splitObjectPath(u.Path)
	if container == "" || blob == "" {
		return azuresource.Config{}, fmt.Errorf("azure archive missing container or blob (expected azure://account/container/blob)")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	if cfg.AzureAccountKey == "" && cfg.AzureSASToken == "" {
		return azuresource.Config{}, fmt.Errorf("azure archive requires --azure-key or --azure-sas-token")
	}
	return azuresource.Config{
		Account:     account,
		AccountKey:  cfg.AzureAccountKey,
		Endpoint:    endpoint,
		SASToken:    cfg.AzureSASToken,
		Container:   container,
		Blob:        blob,
		ReadTimeout: cfg.ObjectReadTimeout,
	}, nil
}

func queryBool(q url.Values, key string) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

// OpenSource opens the byte source named by cfg.Archive.
func OpenSource(ctx context.Context, cfg Config, logger pslog.Logger) (source.Source, error) {
	loc, err := parseArchiveLocation(cfg)
	if err != nil {
		return nil, err
	}
	var src source.Source
	switch loc.scheme {
	case "file":
		loc.file.Logger = logger
		src, err = source.OpenFile(loc.file)
	case "s3":
		src, err = openAs(s3source.Open(ctx, loc.s3))
	case "aws":
		src, err = openAs(awssource.Open(ctx, loc.aws))
	case "azure":
		src, err = openAs(azuresource.Open(ctx, loc.azure))
	default:
		err = fmt.Errorf("%w %q", source.ErrUnsupportedScheme, loc.scheme)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// openAs keeps a failed open from yielding a non-nil interface around a nil pointer.
func openAs[S source.Source](s S, err error) (source.Source, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
