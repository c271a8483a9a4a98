package zimd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/zimd/internal/dispatch"
	"pkt.systems/zimd/internal/resolve"
	"pkt.systems/zimd/internal/zim"
)

const (
	// DefaultBind is the address the HTTP listener binds to.
	DefaultBind = "0.0.0.0"
	// DefaultPort is the HTTP listener port.
	DefaultPort = 8000
	// DefaultWorkers is the number of dispatch workers.
	DefaultWorkers = dispatch.DefaultWorkers
	// DefaultMaxRedirects bounds how many redirect entries one request follows.
	DefaultMaxRedirects = resolve.DefaultMaxRedirects
	// DefaultMaxClusterSize caps the decompressed size of a single cluster.
	DefaultMaxClusterSize = zim.DefaultMaxClusterSize
	// DefaultShutdownTimeout caps the total shutdown time (HTTP drain + workers).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultMetricsListen is empty, which disables the admin listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty, which disables pprof.
	DefaultPprofListen = ""
	// DefaultAzureEndpointPattern expands Azure account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config describes one zimd server.
type Config struct {
	// Archive is the ZIM location: a path, file://, s3://, aws:// or azure:// URL.
	Archive string
	// Bind is the listen host.
	Bind string
	// Port is the listen port.
	Port int
	// PortSet reports whether Port was explicitly configured, which makes 0
	// (an ephemeral port) valid.
	PortSet bool
	// Workers is the dispatch pool size.
	Workers int
	// QueueDepth bounds exchanges waiting for a worker; zero uses Workers.
	QueueDepth int
	// MaxRedirects bounds redirect hops per request.
	MaxRedirects int
	// MaxClusterSize caps decompressed cluster bytes.
	MaxClusterSize int64
	// ServeMIMETypes sends the archive MIME type as Content-Type.
	ServeMIMETypes bool
	// MaxConns caps accepted connections; zero is unlimited.
	MaxConns int
	// MMap maps a local archive into memory instead of using pread.
	MMap bool
	// Verify checks the archive MD5 checksum before serving.
	Verify bool
	// WatchArchive logs a warning when a local archive file changes on disk.
	WatchArchive bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// ReadHeaderTimeout bounds request header reads.
	ReadHeaderTimeout time.Duration

	// MetricsListen serves /metrics, /healthz and /readyz; empty disables it.
	MetricsListen string
	// PprofListen serves /debug/pprof; empty disables it.
	PprofListen string
	// EnableProfilingMetrics exports Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables tracing; see resolveOTLPTarget for accepted forms.
	OTLPEndpoint string

	// S3AccessKeyID and friends pin static credentials for s3:// archives.
	// When empty the environment and shared credential files are consulted.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion is required for aws:// archives.
	AWSRegion string
	// AzureAccountKey or AzureSASToken authenticate azure:// archives.
	AzureAccountKey string
	AzureSASToken   string
	// AzureEndpoint overrides DefaultAzureEndpointPattern.
	AzureEndpoint string
	// ObjectReadTimeout bounds each ranged read against an object store.
	ObjectReadTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Archive = strings.TrimSpace(c.Archive)
	if c.Archive == "" {
		return fmt.Errorf("config: archive is required")
	}
	c.Bind = strings.TrimSpace(c.Bind)
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if !c.PortSet && c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be within 0-65535 (got %d)", c.Port)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: threads must be >= 0 (got %d)", c.Workers)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("config: queue depth must be >= 0 (got %d)", c.QueueDepth)
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = c.Workers
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("config: max redirects must be >= 0 (got %d)", c.MaxRedirects)
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxClusterSize < 0 {
		return fmt.Errorf("config: max cluster size must be >= 0")
	}
	if c.MaxClusterSize == 0 {
		c.MaxClusterSize = DefaultMaxClusterSize
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: max conns must be >= 0 (got %d)", c.MaxConns)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.ObjectReadTimeout < 0 {
		return fmt.Errorf("config: object read timeout must be >= 0")
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		return fmt.Errorf("config: s3 credentials incomplete (need access key and secret key)")
	}
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: otlp endpoint: %w", err)
		}
	}
	return nil
}

// ListenAddress returns the host:port the HTTP listener binds to.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// TracingEnabled reports whether an OTLP endpoint is configured.
func (c Config) TracingEnabled() bool { return c.OTLPEndpoint != "" }

// DefaultConfigDir returns the default configuration directory ($HOME/.zimd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ZIMD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".zimd"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
