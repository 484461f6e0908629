package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kass/go-geo-explorer/pkg/catalog"
	"github.com/kass/go-geo-explorer/pkg/postgis"
	"github.com/kass/go-geo-explorer/pkg/server"
	"github.com/kass/go-geo-explorer/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr     string
		snapshot string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves the conversion endpoint, the layer catalog, attribute filtering and
a websocket event stream. The catalog is restored from and saved to the
snapshot file when one is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("snapshot") {
				a.cfg.Catalog.Snapshot = snapshot
			}
			return a.serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "catalog snapshot file (overrides catalog.snapshot)")
	return cmd
}

func (a *app) serve(parent context.Context) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	logger := a.logger

	tp, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, tp.Shutdown(shutdownCtx))
	}()

	sch, err := a.loadSchema()
	if err != nil {
		return err
	}

	cat := catalog.New(
		catalog.WithSchema(sch),
		catalog.WithPageSize(cfg.Catalog.PageSize),
		catalog.WithPartitions(cfg.Catalog.Partitions),
		catalog.WithLogger(logger.Named("catalog")),
	)
	if path := cfg.Catalog.Snapshot; path != "" {
		if loadErr := cat.LoadFromFile(path); loadErr != nil {
			if !errors.Is(loadErr, os.ErrNotExist) {
				return fmt.Errorf("failed to restore catalog: %w", loadErr)
			}
			logger.Info("no catalog snapshot yet", zap.String("file", path))
		}
		defer func() {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
				err = multierr.Append(err, mkErr)
				return
			}
			err = multierr.Append(err, cat.SaveToFile(path))
		}()
	}

	opts := []server.Option{
		server.WithLogger(logger.Named("http")),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes()),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	if cfg.PostGIS.Enabled {
		store, dbErr := postgis.NewPostGISStore(cfg.PostGIS.Config, logger.Named("postgis"))
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			err = multierr.Append(err, store.Close())
		}()
		if dbErr := store.InitSchema(ctx); dbErr != nil {
			return dbErr
		}
		if dbErr := store.CreateSpatialIndex(ctx); dbErr != nil {
			return dbErr
		}
		opts = append(opts, server.WithPublisher(store))
	}

	svc := a.ingestService()
	srv := server.New(cat, svc, opts...).HTTPServer(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("schema", sch.Name()),
			zap.Int("layers", cat.Len()),
			zap.Bool("tracing", tp.Enabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
