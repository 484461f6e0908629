package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/browse"
	"github.com/kass/go-geo-explorer/pkg/filter"
	"github.com/kass/go-geo-explorer/pkg/formats"
	"github.com/kass/go-geo-explorer/pkg/models"
	"github.com/kass/go-geo-explorer/pkg/postgis"
	"github.com/kass/go-geo-explorer/pkg/rtree"
	"github.com/kass/go-geo-explorer/pkg/schema"
)

var errInvalidDocuments = errors.New("validation failed")

func newValidateCmd(a *app) *cobra.Command {
	var suffix string

	cmd := &cobra.Command{
		Use:   "validate FILE|URL...",
		Short: "Validate feature metadata against the schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := a.loadSchema()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			invalid := 0
			for _, input := range args {
				res, err := a.load(cmd.Context(), input, suffix)
				if err != nil {
					return fmt.Errorf("%s: %w", input, err)
				}
				report, err := sch.Validate(res.GeoJSON)
				if err != nil {
					return fmt.Errorf("%s: %w", input, err)
				}
				if report.Valid {
					fmt.Fprintf(out, "%s: valid (%d features, schema %s)\n", input, report.Features, report.Schema)
					continue
				}
				invalid++
				fmt.Fprintf(out, "%s: %d violations (schema %s)\n", input, len(report.Violations), report.Schema)
				for _, msg := range report.Messages() {
					fmt.Fprintf(out, "  %s\n", msg)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%w: %d of %d documents invalid", errInvalidDocuments, invalid, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "input format suffix (default from the file extension)")
	return cmd
}

func newConvertCmd(a *app) *cobra.Command {
	var (
		suffix    string
		output    string
		format    string
		normalize bool
	)

	cmd := &cobra.Command{
		Use:   "convert FILE|URL",
		Short: "Convert KML, GPX, GeoRSS or GeoJSON to GeoJSON or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.load(cmd.Context(), args[0], suffix)
			if err != nil {
				return err
			}
			fc := res.Collection
			if normalize {
				sch, err := a.loadSchema()
				if err != nil {
					return err
				}
				var stats schema.NormalizeStats
				fc, stats = sch.Normalize(fc)
				a.logger.Info("normalized",
					zap.Int("features", stats.Features),
					zap.Int("removed", stats.Removed),
					zap.Int("added", stats.Added),
				)
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := writeCollection(w, fc, format); err != nil {
				return err
			}
			a.logger.Info("converted",
				zap.String("input", args[0]),
				zap.String("from", string(res.Format)),
				zap.String("to", format),
				zap.Int("features", len(fc.Features)),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "input format suffix (default from the file extension)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVarP(&format, "format", "F", "geojson", "output format: geojson or csv")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "drop undeclared properties and fill schema defaults")
	return cmd
}

func writeCollection(w io.Writer, fc *geojson.FeatureCollection, format string) error {
	switch strings.ToLower(format) {
	case "", "geojson", "json":
		data, err := formats.EncodeGeoJSON(fc)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "csv":
		return formats.EncodeCSV(w, fc)
	}
	return fmt.Errorf("%w: %q", formats.ErrUnsupportedFormat, format)
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		suffix     string
		bbox       string
		near       string
		neighbors  int
		radius     float64
		expression string
		format     string
		partitions int
	)

	cmd := &cobra.Command{
		Use:   "query FILE|URL",
		Short: "Run spatial and attribute queries over a file",
		Long: `Indexes the features of a file in a partitioned R-Tree and selects them
by bounding box, radius or nearest neighbors, then by attribute filter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.load(cmd.Context(), args[0], suffix)
			if err != nil {
				return err
			}
			features := res.Collection.Features

			if bbox != "" || near != "" {
				index := rtree.NewFeatureIndexWithPartitions(partitions)
				start := time.Now()
				if err := index.IndexFeatures(features); err != nil {
					return err
				}
				a.logger.Debug("indexed", zap.Int64("features", index.Count()), zap.Duration("elapsed", time.Since(start)))

				var hits []int
				switch {
				case bbox != "":
					box, err := parseBox(bbox)
					if err != nil {
						return err
					}
					hits = index.QueryBox(box)
				case radius > 0:
					center, err := parseLocation(near)
					if err != nil {
						return err
					}
					hits = index.QueryRadius(center, radius)
				default:
					center, err := parseLocation(near)
					if err != nil {
						return err
					}
					hits = index.NearestNeighbors(center, neighbors)
				}

				selected := make([]*geojson.Feature, 0, len(hits))
				for _, i := range hits {
					selected = append(selected, features[i])
				}
				features = selected
			}

			if expression != "" {
				if features, err = filter.Evaluate(expression, features); err != nil {
					return err
				}
			}

			fc := geojson.NewFeatureCollection()
			fc.Features = features
			if format == "table" {
				return browse.WritePlain(cmd.OutOrStdout(), res.Name, features, len(features))
			}
			return writeCollection(cmd.OutOrStdout(), fc, format)
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "input format suffix (default from the file extension)")
	cmd.Flags().StringVar(&bbox, "bbox", "", "bounding box minLon,minLat,maxLon,maxLat")
	cmd.Flags().StringVar(&near, "near", "", "center lat,lon for radius or nearest neighbor search")
	cmd.Flags().IntVarP(&neighbors, "neighbors", "n", 10, "number of nearest neighbors")
	cmd.Flags().Float64VarP(&radius, "radius", "r", 0, "search radius in km around --near")
	cmd.Flags().StringVarP(&expression, "filter", "f", "", `attribute filter, e.g. status == "active"`)
	cmd.Flags().StringVarP(&format, "format", "F", "geojson", "output format: geojson, csv or table")
	cmd.Flags().IntVarP(&partitions, "partitions", "p", 4, "R-Tree partitions")
	return cmd
}

func newBrowseCmd(a *app) *cobra.Command {
	var (
		suffix     string
		expression string
		pageSize   int
	)

	cmd := &cobra.Command{
		Use:   "browse FILE|URL",
		Short: "Page through the attribute table in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.load(cmd.Context(), args[0], suffix)
			if err != nil {
				return err
			}
			features := res.Collection.Features
			if expression != "" {
				if features, err = filter.Evaluate(expression, features); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("page-size") {
				pageSize = a.cfg.Catalog.PageSize
			}
			return browse.Run(res.Name, features, pageSize)
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "input format suffix (default from the file extension)")
	cmd.Flags().StringVarP(&expression, "filter", "f", "", "initial attribute filter")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "rows per page")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		suffix  string
		layerID string
		title   string
	)

	cmd := &cobra.Command{
		Use:   "publish FILE|URL",
		Short: "Publish a file into the PostGIS geo_features table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			res, err := a.load(ctx, args[0], suffix)
			if err != nil {
				return err
			}
			if layerID == "" {
				layerID = res.Name
			}
			if title == "" {
				title = res.Name
			}

			store, err := postgis.NewPostGISStore(a.cfg.PostGIS.Config, a.logger.Named("postgis"))
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.InitSchema(ctx); err != nil {
				return err
			}
			n, err := store.BulkInsertFeatures(ctx, layerID, title, res.Collection.Features)
			if err != nil {
				return err
			}
			if err := store.CreateSpatialIndex(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "published %d features as layer %s\n", n, layerID)
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			for _, key := range []string{"database_size", "table_size", "index_size", "row_count"} {
				fmt.Fprintf(out, "  %s: %v\n", key, stats[key])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "input format suffix (default from the file extension)")
	cmd.Flags().StringVar(&layerID, "layer", "", "layer id (default file name)")
	cmd.Flags().StringVar(&title, "title", "", "layer title (default file name)")
	return cmd
}

func newSchemasCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List builtin schemas and the properties of the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "builtin: %s\n", strings.Join(schema.Builtins(), ", "))

			sch, err := a.loadSchema()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "active: %s\n", sch.Name())
			for _, p := range sch.Properties() {
				line := fmt.Sprintf("  %s (%s)", p.Name, p.Type)
				if p.Required {
					line += " required"
				}
				if p.HasDefault {
					line += fmt.Sprintf(" default=%v", p.Default)
				}
				if len(p.Enum) > 0 {
					line += fmt.Sprintf(" enum=%v", p.Enum)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

// parseBox reads "minLon,minLat,maxLon,maxLat"
func parseBox(s string) (models.BoundingBox, error) {
	v, err := parseFloats(s, 4)
	if err != nil {
		return models.BoundingBox{}, fmt.Errorf("invalid bbox %q: %w", s, err)
	}
	box := models.BoundingBox{
		BottomLeft: models.Location{Lon: v[0], Lat: v[1]},
		TopRight:   models.Location{Lon: v[2], Lat: v[3]},
	}
	if !box.Valid() {
		return models.BoundingBox{}, fmt.Errorf("invalid bbox %q", s)
	}
	return box, nil
}

// parseLocation reads "lat,lon"
func parseLocation(s string) (models.Location, error) {
	v, err := parseFloats(s, 2)
	if err != nil {
		return models.Location{}, fmt.Errorf("invalid location %q: %w", s, err)
	}
	return models.Location{Lat: v[0], Lon: v[1]}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma separated numbers", n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
