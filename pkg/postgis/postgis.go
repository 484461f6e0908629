// Package postgis publishes catalog layers into a PostGIS table
package postgis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/models"
)

const batchSize = 10000

// Config holds the connection settings. DSN, when set, is used as is.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	DSN      string `yaml:"dsn"`
}

func (c Config) connString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslmode)
}

// PostGISStore writes features into the geo_features table
type PostGISStore struct {
	db     *sql.DB
	dbName string
	logger *zap.Logger
}

// NewPostGISStore opens and pings a PostGIS connection
func NewPostGISStore(cfg Config, logger *zap.Logger) (*PostGISStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostGISStore{db: db, dbName: cfg.Database, logger: logger}, nil
}

// InitSchema creates the extension and the feature table if missing.
// Existing rows are kept.
func (p *PostGISStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		`CREATE TABLE IF NOT EXISTS geo_features (
			id SERIAL PRIMARY KEY,
			layer_id TEXT NOT NULL,
			title TEXT NOT NULL,
			feature_id TEXT,
			properties JSONB NOT NULL DEFAULT '{}'::jsonb,
			geometry GEOMETRY(GEOMETRY, 4326),
			published_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_geo_features_layer ON geo_features (layer_id);`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// CreateSpatialIndex creates a GIST index on the geometry column
func (p *PostGISStore) CreateSpatialIndex(ctx context.Context) error {
	start := time.Now()
	if _, err := p.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_geo_features_geometry ON geo_features USING GIST(geometry);`); err != nil {
		return fmt.Errorf("failed to create spatial index: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, "ANALYZE geo_features;"); err != nil {
		return fmt.Errorf("failed to analyze table: %w", err)
	}

	p.logger.Info("spatial index ready", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// BulkInsertFeatures replaces the rows of layerID with features, committing
// every batchSize rows. It returns the number of inserted rows.
func (p *PostGISStore) BulkInsertFeatures(ctx context.Context, layerID, title string, features []*geojson.Feature) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM geo_features WHERE layer_id = $1`, layerID); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to clear layer %s: %w", layerID, err)
	}

	const insert = `
		INSERT INTO geo_features (layer_id, title, feature_id, properties, geometry)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_GeomFromGeoJSON($5), 4326))
	`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}

	inserted := 0
	for _, f := range features {
		if f == nil {
			continue
		}
		props, geom, err := encodeFeature(f)
		if err != nil {
			tx.Rollback()
			return inserted, err
		}
		if _, err := stmt.ExecContext(ctx, layerID, title, featureID(f), props, geom); err != nil {
			tx.Rollback()
			return inserted, fmt.Errorf("failed to insert feature %d: %w", inserted, err)
		}
		inserted++

		if inserted%batchSize == 0 {
			stmt.Close()
			if err := tx.Commit(); err != nil {
				return inserted, fmt.Errorf("failed to commit batch: %w", err)
			}
			if tx, err = p.db.BeginTx(ctx, nil); err != nil {
				return inserted, fmt.Errorf("failed to begin new transaction: %w", err)
			}
			if stmt, err = tx.PrepareContext(ctx, insert); err != nil {
				tx.Rollback()
				return inserted, fmt.Errorf("failed to prepare statement: %w", err)
			}
		}
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("failed to commit final batch: %w", err)
	}

	p.logger.Info("layer published",
		zap.String("layer", layerID),
		zap.String("title", title),
		zap.Int("features", inserted),
	)
	return inserted, nil
}

// QueryBox returns the published features of layerID whose geometry
// intersects box
func (p *PostGISStore) QueryBox(ctx context.Context, layerID string, box models.BoundingBox) ([]*geojson.Feature, error) {
	query := `
		SELECT feature_id, properties, ST_AsGeoJSON(geometry)
		FROM geo_features
		WHERE layer_id = $1 AND geometry && ST_MakeEnvelope($2, $3, $4, $5, 4326)
		ORDER BY id
	`

	rows, err := p.db.QueryContext(ctx, query, layerID,
		box.BottomLeft.Lon, box.BottomLeft.Lat,
		box.TopRight.Lon, box.TopRight.Lat)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var results []*geojson.Feature
	for rows.Next() {
		var (
			id    sql.NullString
			props []byte
			geom  sql.NullString
		)
		if err := rows.Scan(&id, &props, &geom); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		f, err := decodeFeature(id, props, geom)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return results, nil
}

// Count returns the number of published features of layerID, or of all
// layers when layerID is empty
func (p *PostGISStore) Count(ctx context.Context, layerID string) (int64, error) {
	var count int64
	var err error
	if layerID == "" {
		err = p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM geo_features").Scan(&count)
	} else {
		err = p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM geo_features WHERE layer_id = $1", layerID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count features: %w", err)
	}
	return count, nil
}

// Stats returns database size and table statistics
func (p *PostGISStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var dbSize string
	if err := p.db.QueryRowContext(ctx,
		`SELECT pg_size_pretty(pg_database_size(current_database()))`).Scan(&dbSize); err != nil {
		return nil, fmt.Errorf("failed to get database size: %w", err)
	}
	stats["database"] = p.dbName
	stats["database_size"] = dbSize

	var tableSize, indexSize string
	err := p.db.QueryRowContext(ctx, `
		SELECT
			pg_size_pretty(pg_total_relation_size('geo_features')) as total_size,
			pg_size_pretty(pg_indexes_size('geo_features')) as index_size
	`).Scan(&tableSize, &indexSize)
	if err != nil {
		// table might not exist yet
		stats["table_size"] = "0 bytes"
		stats["index_size"] = "0 bytes"
	} else {
		stats["table_size"] = tableSize
		stats["index_size"] = indexSize
	}

	count, _ := p.Count(ctx, "")
	stats["row_count"] = count
	return stats, nil
}

// Close closes the database connection
func (p *PostGISStore) Close() error {
	return p.db.Close()
}

// encodeFeature returns the JSON properties and the GeoJSON geometry of f.
// A missing geometry is returned as nil so it is stored as NULL.
func encodeFeature(f *geojson.Feature) ([]byte, interface{}, error) {
	props := f.Properties
	if props == nil {
		props = geojson.Properties{}
	}
	rawProps, err := json.Marshal(props)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	if f.Geometry == nil {
		return rawProps, nil, nil
	}
	rawGeom, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return rawProps, string(rawGeom), nil
}

func decodeFeature(id sql.NullString, props []byte, geom sql.NullString) (*geojson.Feature, error) {
	f := &geojson.Feature{Type: "Feature", Properties: geojson.Properties{}}
	if id.Valid {
		f.ID = id.String
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &f.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties: %w", err)
		}
	}
	if geom.Valid {
		g, err := geojson.UnmarshalGeometry([]byte(geom.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode geometry: %w", err)
		}
		f.Geometry = g.Geometry()
	}
	return f, nil
}

func featureID(f *geojson.Feature) interface{} {
	if f.ID == nil {
		return nil
	}
	return fmt.Sprint(f.ID)
}
