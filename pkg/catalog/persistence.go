package catalog

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/models"
)

const snapshotVersion = 1

// snapshotData is the serializable form of the catalog. Features are kept
// as GeoJSON so property values survive gob without type registration.
type snapshotData struct {
	Version     int
	NextID      int
	ExportCount int
	Layers      []layerRecord
}

type layerRecord struct {
	ID        string
	Title     string
	Source    string
	Style     models.Style
	Visible   bool
	CreatedAt time.Time
	GeoJSON   []byte
}

// SaveToFile writes the permanent layers to a binary snapshot. The
// temporary filter layer is not saved.
func (c *Catalog) SaveToFile(filename string) error {
	c.mu.RLock()
	data := snapshotData{
		Version:     snapshotVersion,
		NextID:      c.nextID,
		ExportCount: c.exportCount,
	}
	for _, id := range c.order {
		l := c.layers[id]
		if l.Temporary {
			continue
		}
		fc := geojson.NewFeatureCollection()
		fc.Features = l.features
		raw, err := fc.MarshalJSON()
		if err != nil {
			c.mu.RUnlock()
			return fmt.Errorf("failed to encode layer %s: %w", id, err)
		}
		data.Layers = append(data.Layers, layerRecord{
			ID:        l.ID,
			Title:     l.Title,
			Source:    l.Source,
			Style:     l.Style,
			Visible:   l.Visible,
			CreatedAt: l.CreatedAt,
			GeoJSON:   raw,
		})
	}
	c.mu.RUnlock()

	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	c.logger.Info("catalog saved", zap.String("file", filename), zap.Int("layers", len(data.Layers)))
	return nil
}

// LoadFromFile replaces the catalog content with a snapshot written by
// SaveToFile. The active filter is cleared.
func (c *Catalog) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var data snapshotData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	if data.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", data.Version)
	}

	layers := make([]*Layer, 0, len(data.Layers))
	for _, rec := range data.Layers {
		fc, err := geojson.UnmarshalFeatureCollection(rec.GeoJSON)
		if err != nil {
			return fmt.Errorf("failed to decode layer %s: %w", rec.ID, err)
		}
		l, err := c.newLayer(rec.ID, rec.Title, fc.Features, WithSource(rec.Source), WithStyle(rec.Style))
		if err != nil {
			return fmt.Errorf("failed to rebuild layer %s: %w", rec.ID, err)
		}
		l.Visible = rec.Visible
		l.CreatedAt = rec.CreatedAt
		layers = append(layers, l)
	}

	c.mu.Lock()
	removed := c.order
	c.layers = make(map[string]*Layer, len(layers))
	c.order = nil
	c.filter = nil
	c.nextID = data.NextID
	c.exportCount = data.ExportCount
	for _, l := range layers {
		c.insert(l)
	}
	c.mu.Unlock()

	for _, id := range removed {
		c.publish(Event{Type: EventLayerRemoved, LayerID: id})
	}
	for _, l := range layers {
		c.publish(Event{Type: EventLayerAdded, LayerID: l.ID, Title: l.Title, Count: len(l.features)})
	}

	c.logger.Info("catalog loaded", zap.String("file", filename), zap.Int("layers", len(layers)))
	return nil
}
