package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/zimd"
	"pkt.systems/zimd/internal/logfields"
	"pkt.systems/zimd/internal/resolve"
	"pkt.systems/zimd/internal/source"
	"pkt.systems/zimd/internal/zim"
)

// openedArchive is an archive opened for a single CLI command.
type openedArchive struct {
	*zim.Archive
	src source.Source
}

func (o *openedArchive) Close() error {
	return errors.Join(o.Archive.Close(), o.src.Close())
}

func (a *app) openArchive(ctx context.Context, location string) (*openedArchive, error) {
	var cfg zimd.Config
	if err := bindSourceConfig(a.v, &cfg); err != nil {
		return nil, err
	}
	archive, err := expandArchive(location)
	if err != nil {
		return nil, err
	}
	cfg.Archive = archive
	var maxCluster int64
	if raw := strings.TrimSpace(a.v.GetString("max-cluster-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse max-cluster-size: %w", err)
		}
		maxCluster = int64(size)
	}
	src, err := zimd.OpenSource(ctx, cfg, logfields.WithSubsystem(a.logger, "archive.source"))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", cfg.Archive, err)
	}
	z, err := zim.Open(src, src.Size(), zim.WithMaxClusterSize(maxCluster))
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("open archive %s: %w", src.Name(), err)
	}
	return &openedArchive{Archive: z, src: src}, nil
}

type inspectReport struct {
	Archive      string            `yaml:"archive"`
	Size         int64             `yaml:"size"`
	SizeHuman    string            `yaml:"size-human"`
	Version      string            `yaml:"version"`
	UUID         string            `yaml:"uuid"`
	Entries      int               `yaml:"entries"`
	Clusters     int               `yaml:"clusters"`
	MainPage     string            `yaml:"main-page,omitempty"`
	Checksum     string            `yaml:"checksum,omitempty"`
	MIMETypes    []string          `yaml:"mime-types"`
	Compressions map[string]int    `yaml:"cluster-compression,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

func buildInspectReport(z *openedArchive, clusters bool) (inspectReport, error) {
	hdr := z.Header()
	r := inspectReport{
		Archive:   z.src.Name(),
		Size:      z.Size(),
		SizeHuman: humanize.IBytes(uint64(z.Size())),
		Version:   fmt.Sprintf("%d.%d", hdr.MajorVersion, hdr.MinorVersion),
		UUID:      hdr.UUIDString(),
		Entries:   z.EntryCount(),
		Clusters:  z.ClusterCount(),
		MIMETypes: z.MIMETypes(),
	}
	if mp, ok, err := z.MainPage(); err != nil {
		return r, err
	} else if ok {
		r.MainPage = mp.Path()
	}
	if sum, err := z.Checksum(); err == nil {
		r.Checksum = hex.EncodeToString(sum)
	} else if !errors.Is(err, zim.ErrNoChecksum) {
		return r, err
	}
	keys, err := z.MetadataKeys()
	if err != nil {
		return r, err
	}
	for _, key := range keys {
		value, ok, err := z.Metadata(key)
		if err != nil {
			return r, err
		}
		if !ok {
			continue
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(keys))
		}
		r.Metadata[key] = value
	}
	if clusters {
		r.Compressions = make(map[string]int)
		for i := range r.Clusters {
			c, _, err := z.ClusterCompression(uint32(i))
			if err != nil {
				return r, err
			}
			r.Compressions[c.String()]++
		}
	}
	return r, nil
}

func newInspectCommand(a *app) *cobra.Command {
	var asYAML, clusters bool
	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Print a summary of a ZIM archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			z, err := a.openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer z.Close()
			report, err := buildInspectReport(z, clusters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asYAML {
				data, err := yaml.Marshal(&report)
				if err != nil {
					return fmt.Errorf("marshal report: %w", err)
				}
				_, err = out.Write(data)
				return err
			}
			return writeInspectText(out, report)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the report as YAML")
	cmd.Flags().BoolVar(&clusters, "clusters", false, "count clusters per compression type (reads every cluster header)")
	return cmd
}

func writeInspectText(out io.Writer, r inspectReport) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "archive:\t%s\n", r.Archive)
	fmt.Fprintf(tw, "size:\t%s (%d bytes)\n", r.SizeHuman, r.Size)
	fmt.Fprintf(tw, "version:\t%s\n", r.Version)
	fmt.Fprintf(tw, "uuid:\t%s\n", r.UUID)
	fmt.Fprintf(tw, "entries:\t%d\n", r.Entries)
	fmt.Fprintf(tw, "clusters:\t%d\n", r.Clusters)
	if r.MainPage != "" {
		fmt.Fprintf(tw, "main page:\t%s\n", r.MainPage)
	}
	if r.Checksum != "" {
		fmt.Fprintf(tw, "checksum:\t%s\n", r.Checksum)
	}
	fmt.Fprintf(tw, "mime types:\t%s\n", strings.Join(r.MIMETypes, ", "))
	for _, name := range sortedKeys(r.Compressions) {
		fmt.Fprintf(tw, "compression %s:\t%d\n", name, r.Compressions[name])
	}
	for _, key := range sortedKeys(r.Metadata) {
		fmt.Fprintf(tw, "M/%s:\t%s\n", key, r.Metadata[key])
	}
	return tw.Flush()
}

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive>",
		Short: "Verify the MD5 checksum of a ZIM archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			z, err := a.openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer z.Close()
			logger := logfields.WithSubsystem(a.logger, "cli.verify")
			started := time.Now()
			lastLog := started
			err = z.Verify(cmd.Context(), func(done, total int64) {
				if time.Since(lastLog) < 5*time.Second {
					return
				}
				lastLog = time.Now()
				logger.Info("archive.verify.progress",
					"done", humanize.IBytes(uint64(done)),
					"total", humanize.IBytes(uint64(total)),
				)
			})
			if err != nil {
				return err
			}
			sum, err := z.Checksum()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: checksum ok (%s, %s in %s)\n",
				z.src.Name(), hex.EncodeToString(sum), humanize.IBytes(uint64(z.Size())),
				time.Since(started).Round(time.Millisecond))
			return err
		},
	}
}

func newCatCommand(a *app) *cobra.Command {
	var info bool
	cmd := &cobra.Command{
		Use:   "cat <archive> <path>",
		Short: "Write the content at an archive path to stdout",
		Long: `Resolve <namespace>/<url> inside the archive, following redirect entries,
and write the content to stdout. A leading slash and percent-encoding are
accepted, so paths can be copied from request URLs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			z, err := a.openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer z.Close()
			r, err := resolve.New(z.Archive, resolve.Config{
				MaxRedirects: a.v.GetInt("max-redirects"),
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}
			path := archivePath(args[1])
			out := cmd.OutOrStdout()
			if info {
				e, hops, err := r.Lookup(cmd.Context(), path)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "path:\t%s\n", e.Path())
				fmt.Fprintf(tw, "title:\t%s\n", e.DisplayTitle())
				fmt.Fprintf(tw, "mime type:\t%s\n", e.MIMEType)
				fmt.Fprintf(tw, "index:\t%d\n", e.Index)
				fmt.Fprintf(tw, "cluster:\t%d\n", e.Cluster)
				fmt.Fprintf(tw, "blob:\t%d\n", e.Blob)
				fmt.Fprintf(tw, "redirects:\t%d\n", hops)
				return tw.Flush()
			}
			content, err := r.Resolve(cmd.Context(), path)
			if err != nil {
				return err
			}
			_, err = out.Write(content.Data)
			return err
		},
	}
	cmd.Flags().BoolVar(&info, "info", false, "describe the resolved entry instead of printing its content")
	return cmd
}

func newLsCommand(a *app) *cobra.Command {
	var namespace string
	var long bool
	cmd := &cobra.Command{
		Use:   "ls <archive>",
		Short: "List entry paths in URL order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if len(namespace) > 1 {
				return fmt.Errorf("namespace must be a single character (got %q)", namespace)
			}
			z, err := a.openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer z.Close()
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for e, err := range z.Entries() {
				if err != nil {
					return err
				}
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				if namespace != "" && e.Namespace != namespace[0] {
					continue
				}
				if !long {
					fmt.Fprintln(tw, e.Path())
					continue
				}
				detail := e.MIMEType
				if e.Kind == zim.KindRedirect {
					if target, err := z.EntryAt(e.RedirectIndex); err == nil {
						detail = "-> " + target.Path()
					}
				} else if e.Kind != zim.KindContent {
					detail = ""
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Path(), e.Kind, detail, e.DisplayTitle())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "only list entries in this namespace")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show kind, MIME type or redirect target, and title")
	return cmd
}

// archivePath turns a request-style path into an entry path. Input that is
// not valid percent-encoding is used as is.
func archivePath(raw string) string {
	p := strings.TrimPrefix(raw, "/")
	if unescaped, err := url.PathUnescape(p); err == nil {
		return unescaped
	}
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
