package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/zimd"
	"pkt.systems/zimd/internal/logfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ZIMD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "zimd")
	return execute(withSignalCancel(ctx), os.Args[1:], os.Stdout, os.Stderr, baseLogger)
}

// execute runs the command line args and returns the process exit code.
// Failures of the server itself are logged; failures of subcommands and of
// argument parsing go to stderr.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer, baseLogger pslog.Logger) int {
	app := newApp(baseLogger)
	cmd := app.root
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	ran, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if ran == cmd && app.started {
			logfields.WithSubsystem(app.logger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(stderr, "zimd: %s\n", err)
		}
		return 1
	}
	return 0
}

// app holds the state one command tree shares. Each tree gets its own viper
// instance so flag, env and config-file bindings never leak between runs.
type app struct {
	root    *cobra.Command
	v       *viper.Viper
	logger  pslog.Logger
	started bool
}

func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "zimfile" {
		name = "archive"
	}
	return pflag.NormalizedName(name)
}

func newApp(baseLogger pslog.Logger) *app {
	a := &app{v: viper.New(), logger: baseLogger}
	v := a.v

	cmd := &cobra.Command{
		Use:           "zimd [archive]",
		Short:         "zimd serves the contents of a ZIM archive over HTTP",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		Example: `
  # Serve a local archive on the default port 8000
  zimd --archive /srv/wikipedia_en_all.zim

  # Same, with the legacy environment variables
  ZIMFILE=/srv/wikipedia_en_all.zim BIND=127.0.0.1 PORT=8080 zimd

  # Eight workers, archive MIME types as Content-Type, memory-mapped file
  zimd -z /srv/wiki.zim -t 8 --mime-types --mmap

  # Archive stored in MinIO (append ?insecure=1 for plain HTTP)
  ZIMD_S3_ACCESS_KEY_ID=minioadmin ZIMD_S3_SECRET_ACCESS_KEY=minioadmin \
    zimd 's3://localhost:9000/wikis/wiki.zim?insecure=1&path-style=1'

  # Archive stored in AWS S3
  zimd aws://my-bucket/wikis/wiki.zim --aws-region eu-north-1
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.prepare(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a.started = true
			return a.runServer(cmd.Context(), args)
		},
	}
	a.root = cmd

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.zimd/"+zimd.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.Bool("mmap", false, "memory-map local archives instead of using pread")
	persistent.String("max-cluster-size", configHumanizeBytes(zimd.DefaultMaxClusterSize), "largest decompressed cluster accepted (e.g. 512MiB)")
	persistent.Duration("object-read-timeout", 0, "timeout for each ranged read against an object store (0 uses 30s)")
	persistent.String("s3-access-key-id", "", "static access key for s3:// archives")
	persistent.String("s3-secret-access-key", "", "static secret key for s3:// archives")
	persistent.String("s3-session-token", "", "session token for s3:// archives")
	persistent.String("aws-region", "", "AWS region for aws:// archives")
	persistent.String("azure-key", "", "Azure storage account key for azure:// archives")
	persistent.String("azure-sas-token", "", "Azure SAS token for azure:// archives")
	persistent.String("azure-endpoint", "", "Azure Blob endpoint override (default https://<account>.blob.core.windows.net)")

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeFlagName)
	flags.StringP("archive", "z", "", "ZIM archive to serve: path, file://, s3://, aws:// or azure:// URL (alias --zimfile)")
	flags.StringP("bind", "b", zimd.DefaultBind, "bind address")
	flags.IntP("port", "p", zimd.DefaultPort, "listen port")
	flags.IntP("threads", "t", zimd.DefaultWorkers, "number of dispatch workers")
	flags.Int("queue-depth", 0, "requests allowed to wait for a worker (0 uses --threads)")
	flags.Int("max-redirects", zimd.DefaultMaxRedirects, "redirect entries followed per request")
	flags.Bool("mime-types", false, "send the archive MIME type as Content-Type")
	flags.Int("max-conns", 0, "maximum accepted connections (0 is unlimited)")
	flags.Bool("verify", false, "verify the archive MD5 checksum before serving")
	flags.Bool("watch-archive", true, "warn when a local archive file changes on disk")
	flags.String("metrics-listen", zimd.DefaultMetricsListen, "admin listen address for /metrics, /healthz and /readyz (empty disables)")
	flags.String("pprof-listen", zimd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", zimd.DefaultShutdownTimeout, "maximum time to drain requests on shutdown")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistent.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix("ZIMD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range []string{
		"config", "log-level", "mmap", "max-cluster-size", "object-read-timeout",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"aws-region", "azure-key", "azure-sas-token", "azure-endpoint",
		"archive", "bind", "port", "threads", "queue-depth", "max-redirects", "mime-types",
		"max-conns", "verify", "watch-archive", "metrics-listen", "pprof-listen",
		"enable-profiling-metrics", "otlp-endpoint", "shutdown-timeout",
	} {
		bindFlag(name)
	}
	// Un-prefixed variables predate the ZIMD_ prefix.
	for key, envs := range map[string][]string{
		"archive":    {"ZIMD_ARCHIVE", "ZIMFILE"},
		"bind":       {"ZIMD_BIND", "BIND"},
		"port":       {"ZIMD_PORT", "PORT"},
		"aws-region": {"ZIMD_AWS_REGION", "AWS_REGION"},
	} {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newInspectCommand(a))
	cmd.AddCommand(newVerifyCommand(a))
	cmd.AddCommand(newCatCommand(a))
	cmd.AddCommand(newLsCommand(a))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return a
}

// prepare loads the config file and applies the log level. It runs before
// every command.
func (a *app) prepare(cmd *cobra.Command) error {
	configFile, err := loadConfigFile(a.v)
	if err != nil {
		return err
	}
	logLevel := strings.TrimSpace(a.v.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, ok := pslog.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	a.logger = a.logger.LogLevel(level)
	if configFile != "" {
		logfields.WithSubsystem(a.logger, "cli.config").Debug("loaded config file", "path", configFile)
	}
	return nil
}

func (a *app) runServer(ctx context.Context, args []string) error {
	logger := a.logger
	cliLogger := logfields.WithSubsystem(logger, "cli.root")
	logfields.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to zimd",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	var cfg zimd.Config
	if err := bindConfig(a.v, &cfg); err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Archive = args[0]
	}
	if cfg.Archive == "" {
		return fmt.Errorf("archive is required (pass it as an argument, --archive, ZIMD_ARCHIVE or ZIMFILE)")
	}

	server, err := zimd.NewServer(cfg, zimd.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = shutdown() }()

	go func() {
		<-runCtx.Done()
		if ctx.Err() == nil {
			return
		}
		cliLogger.Info("shutdown requested")
		if err := shutdown(); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bindConfig copies flags, environment and config file values into cfg.
func bindConfig(v *viper.Viper, cfg *zimd.Config) error {
	archive, err := expandArchive(v.GetString("archive"))
	if err != nil {
		return err
	}
	cfg.Archive = archive
	cfg.Bind = v.GetString("bind")
	cfg.Port = v.GetInt("port")
	cfg.PortSet = v.IsSet("port")
	cfg.Workers = v.GetInt("threads")
	cfg.QueueDepth = v.GetInt("queue-depth")
	cfg.MaxRedirects = v.GetInt("max-redirects")
	cfg.ServeMIMETypes = v.GetBool("mime-types")
	cfg.MaxConns = v.GetInt("max-conns")
	cfg.MMap = v.GetBool("mmap")
	cfg.Verify = v.GetBool("verify")
	cfg.WatchArchive = v.GetBool("watch-archive")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	if raw := strings.TrimSpace(v.GetString("max-cluster-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-cluster-size: %w", err)
		}
		cfg.MaxClusterSize = int64(size)
	}
	return bindSourceConfig(v, cfg)
}

// bindSourceConfig copies the settings needed to open an archive source.
func bindSourceConfig(v *viper.Viper, cfg *zimd.Config) error {
	cfg.MMap = v.GetBool("mmap")
	cfg.ObjectReadTimeout = v.GetDuration("object-read-timeout")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = v.GetString("s3-session-token")
	cfg.AWSRegion = v.GetString("aws-region")
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	if (cfg.S3AccessKeyID == "") != (cfg.S3SecretAccessKey == "") {
		return fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return nil
}

// expandArchive expands ~ in local archive paths and leaves URLs alone.
func expandArchive(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") || !strings.HasPrefix(raw, "~") {
		return raw, nil
	}
	return expandPath(raw)
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := zimd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
