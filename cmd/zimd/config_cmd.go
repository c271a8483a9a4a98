package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/zimd"
	"pkt.systems/zimd/internal/source"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage zimd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.zimd/" + zimd.DefaultConfigFileName
	if dir, err := zimd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, zimd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default zimd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" && !stdout {
				path, err := zimd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults uses the flag names as keys so the file feeds the same
// viper bindings as the command line.
type configDefaults struct {
	Archive                string `yaml:"archive"`
	Bind                   string `yaml:"bind"`
	Port                   int    `yaml:"port"`
	Threads                int    `yaml:"threads"`
	QueueDepth             int    `yaml:"queue-depth"`
	MaxRedirects           int    `yaml:"max-redirects"`
	MIMETypes              bool   `yaml:"mime-types"`
	MaxConns               int    `yaml:"max-conns"`
	MMap                   bool   `yaml:"mmap"`
	MaxClusterSize         string `yaml:"max-cluster-size"`
	Verify                 bool   `yaml:"verify"`
	WatchArchive           bool   `yaml:"watch-archive"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	ObjectReadTimeout      string `yaml:"object-read-timeout"`
	S3AccessKeyID          string `yaml:"s3-access-key-id"`
	S3SecretAccessKey      string `yaml:"s3-secret-access-key"`
	S3SessionToken         string `yaml:"s3-session-token"`
	AWSRegion              string `yaml:"aws-region"`
	AzureKey               string `yaml:"azure-key"`
	AzureSASToken          string `yaml:"azure-sas-token"`
	AzureEndpoint          string `yaml:"azure-endpoint"`
	LogLevel               string `yaml:"log-level"`
}

func configHumanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Archive:           "",
		Bind:              zimd.DefaultBind,
		Port:              zimd.DefaultPort,
		Threads:           zimd.DefaultWorkers,
		QueueDepth:        0,
		MaxRedirects:      zimd.DefaultMaxRedirects,
		MaxClusterSize:    configHumanizeBytes(zimd.DefaultMaxClusterSize),
		WatchArchive:      true,
		MetricsListen:     zimd.DefaultMetricsListen,
		PprofListen:       zimd.DefaultPprofListen,
		ShutdownTimeout:   zimd.DefaultShutdownTimeout.String(),
		ObjectReadTimeout: source.DefaultReadTimeout.String(),
		LogLevel:          "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
