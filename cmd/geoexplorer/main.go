package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/config"
	"github.com/kass/go-geo-explorer/pkg/ingest"
	"github.com/kass/go-geo-explorer/pkg/logging"
	"github.com/kass/go-geo-explorer/pkg/schema"
)

// app carries the state shared by the subcommands
type app struct {
	configPath string
	logLevel   string
	dev        bool
	schemaRef  string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "geoexplorer",
		Short: "Geodata explorer: convert, validate, filter and serve vector layers",
		Long: `Converts KML, GPX and GeoRSS into GeoJSON, validates feature metadata
against a JSON Schema, filters attribute tables and serves layers over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default config.yaml, then config.yaml.example)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&a.dev, "dev", false, "human readable development logging")
	rootCmd.PersistentFlags().StringVarP(&a.schemaRef, "schema", "s", "", "builtin schema name or schema file")

	rootCmd.AddCommand(
		newServeCmd(a),
		newValidateCmd(a),
		newConvertCmd(a),
		newQueryCmd(a),
		newBrowseCmd(a),
		newPublishCmd(a),
		newSchemasCmd(a),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("dev") {
		cfg.Log.Development = a.dev
	}
	if flags.Changed("schema") {
		cfg.Schema = a.schemaRef
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	if cfg.Source != "" {
		logger.Debug("configuration loaded", zap.String("file", cfg.Source))
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) loadSchema() (*schema.Schema, error) {
	return schema.Resolve(a.cfg.Schema)
}

func (a *app) ingestService() *ingest.Service {
	return ingest.New(
		ingest.WithFetchTimeout(a.cfg.Fetch.Timeout),
		ingest.WithMaxBytes(a.cfg.MaxUploadBytes()),
		ingest.WithLogger(a.logger),
	)
}

// load converts a file or an http(s) URL
func (a *app) load(ctx context.Context, input, suffix string) (*ingest.Result, error) {
	svc := a.ingestService()
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return svc.FromURL(ctx, input, suffix)
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return svc.FromUpload(ctx, filepath.Base(input), suffix, f)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
