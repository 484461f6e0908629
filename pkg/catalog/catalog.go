// Package catalog holds the layers of an explorer session together with
// the active attribute filter, and publishes every change as an Event.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/filter"
	"github.com/kass/go-geo-explorer/pkg/formats"
	"github.com/kass/go-geo-explorer/pkg/models"
	"github.com/kass/go-geo-explorer/pkg/rtree"
	"github.com/kass/go-geo-explorer/pkg/schema"
	"github.com/kass/go-geo-explorer/pkg/table"
)

const (
	// FilterLayerID is the ID and title of the temporary filter result layer
	FilterLayerID = "filteredFeatures"

	layerIDPrefix = "sdk-addlayer-"
)

var (
	ErrLayerNotFound  = errors.New("layer not found")
	ErrEmptyLayer     = errors.New("layer has no features")
	ErrNoMatches      = errors.New("filter expression incorrect (no results)")
	ErrNoActiveFilter = errors.New("no active filter")
	ErrInvalidBBox    = errors.New("invalid bounding box")
	ErrNoSchema       = errors.New("no schema configured")
)

// Layer is a feature collection held by the catalog
type Layer struct {
	ID        string
	Title     string
	Source    string
	Style     models.Style
	Temporary bool
	Visible   bool
	CreatedAt time.Time

	features []*geojson.Feature
	index    *rtree.FeatureIndex
	extent   models.BoundingBox
	fittable bool
}

// Info returns the public summary of the layer
func (l *Layer) Info() models.LayerInfo {
	info := models.LayerInfo{
		ID:           l.ID,
		Title:        l.Title,
		Source:       l.Source,
		FeatureCount: len(l.features),
		Fittable:     l.fittable,
		Style:        l.Style,
		Visible:      l.Visible,
		Temporary:    l.Temporary,
		Removable:    !l.Temporary,
		Selectable:   true,
		CreatedAt:    l.CreatedAt,
	}
	if l.fittable {
		extent := l.extent
		info.Extent = &extent
	}
	return info
}

// LayerOption customizes a layer created by AddLayer
type LayerOption func(*Layer)

// WithStyle overrides the default layer style
func WithStyle(s models.Style) LayerOption {
	return func(l *Layer) {
		l.Style = s
	}
}

// WithSource records where the layer came from (file name or URL)
func WithSource(source string) LayerOption {
	return func(l *Layer) {
		l.Source = source
	}
}

// FilterScope selects the layers a filter runs on. An empty LayerID
// selects every non-temporary layer.
type FilterScope struct {
	LayerID string `json:"layer,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// FilterResult describes the outcome of Filter
type FilterResult struct {
	Expression string           `json:"expression"`
	Matched    int              `json:"matched"`
	Layer      models.LayerInfo `json:"layer"`
}

type activeFilter struct {
	expression string
}

// Catalog is safe for concurrent use
type Catalog struct {
	mu          sync.RWMutex
	layers      map[string]*Layer
	order       []string
	nextID      int
	exportCount int
	filter      *activeFilter

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	schema     *schema.Schema
	pageSize   int
	partitions int
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Catalog
type Option func(*Catalog)

// WithSchema sets the schema used to normalize exported filter results
func WithSchema(s *schema.Schema) Option {
	return func(c *Catalog) {
		c.schema = s
	}
}

// WithPageSize sets the page size used when a request does not name one
func WithPageSize(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithPartitions sets the R-Tree partition count of each layer index
func WithPartitions(n int) Option {
	return func(c *Catalog) {
		c.partitions = n
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an empty catalog
func New(opts ...Option) *Catalog {
	c := &Catalog{
		layers:   make(map[string]*Layer),
		subs:     make(map[int]chan Event),
		pageSize: table.DefaultPageSize,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the schema used for exports, possibly nil
func (c *Catalog) Schema() *schema.Schema {
	return c.schema
}

// AddLayer adds fc as a new visible layer
func (c *Catalog) AddLayer(title string, fc *geojson.FeatureCollection, opts ...LayerOption) (*models.LayerInfo, error) {
	if fc == nil || len(fc.Features) == 0 {
		return nil, ErrEmptyLayer
	}

	c.mu.Lock()
	c.nextID++
	id := layerIDPrefix + strconv.Itoa(c.nextID)
	if title == "" {
		title = id
	}
	layer, err := c.newLayer(id, title, fc.Features, opts...)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.insert(layer)
	info := layer.Info()
	c.mu.Unlock()

	c.logger.Info("layer added",
		zap.String("id", id),
		zap.String("title", title),
		zap.Int("features", info.FeatureCount),
	)
	c.publish(Event{Type: EventLayerAdded, LayerID: id, Title: title, Count: info.FeatureCount})
	return &info, nil
}

func (c *Catalog) newLayer(id, title string, features []*geojson.Feature, opts ...LayerOption) (*Layer, error) {
	kept := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		if f != nil {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil, ErrEmptyLayer
	}

	index := rtree.NewFeatureIndexWithPartitions(c.partitions)
	if err := index.IndexFeatures(kept); err != nil {
		return nil, fmt.Errorf("failed to index layer: %w", err)
	}

	l := &Layer{
		ID:        id,
		Title:     title,
		Style:     models.DefaultStyle(),
		Visible:   true,
		CreatedAt: c.now(),
		features:  kept,
		index:     index,
	}
	l.extent, l.fittable = formats.Extent(&geojson.FeatureCollection{Features: kept})
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// insert must be called with c.mu held
func (c *Catalog) insert(l *Layer) {
	if _, exists := c.layers[l.ID]; !exists {
		c.order = append(c.order, l.ID)
	}
	c.layers[l.ID] = l
}

// remove must be called with c.mu held
func (c *Catalog) remove(id string) bool {
	if _, ok := c.layers[id]; !ok {
		return false
	}
	delete(c.layers, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Layer returns the summary of one layer
func (c *Catalog) Layer(id string) (models.LayerInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[id]
	if !ok {
		return models.LayerInfo{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return l.Info(), nil
}

// Layers returns all layers in insertion order
func (c *Catalog) Layers() []models.LayerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.LayerInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.layers[id].Info())
	}
	return out
}

// Collection returns the features of a layer as a feature collection
func (c *Catalog) Collection(id string) (*geojson.FeatureCollection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, l.features...)
	return fc, nil
}

// RemoveLayer deletes a layer. Removing the filter layer clears the filter.
func (c *Catalog) RemoveLayer(id string) error {
	c.mu.Lock()
	l, ok := c.layers[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	c.remove(id)
	if id == FilterLayerID {
		c.filter = nil
	}
	c.mu.Unlock()

	c.logger.Info("layer removed", zap.String("id", id))
	c.publish(Event{Type: EventLayerRemoved, LayerID: id, Title: l.Title})
	return nil
}

// SetVisible shows or hides a layer
func (c *Catalog) SetVisible(id string, visible bool) (models.LayerInfo, error) {
	c.mu.Lock()
	l, ok := c.layers[id]
	if !ok {
		c.mu.Unlock()
		return models.LayerInfo{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	l.Visible = visible
	info := l.Info()
	c.mu.Unlock()

	c.publish(Event{Type: EventLayerUpdated, LayerID: id, Title: info.Title})
	return info, nil
}

// Features returns one page of a layer's attribute table, optionally
// restricted to features intersecting bbox
func (c *Catalog) Features(id string, req table.PageRequest, bbox *models.BoundingBox) (table.Page, error) {
	if bbox != nil && !bbox.Valid() {
		return table.Page{}, ErrInvalidBBox
	}

	c.mu.RLock()
	l, ok := c.layers[id]
	if !ok {
		c.mu.RUnlock()
		return table.Page{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	features := l.features
	if bbox != nil {
		hits := l.index.QueryBox(*bbox)
		features = make([]*geojson.Feature, 0, len(hits))
		for _, i := range hits {
			features = append(features, l.features[i])
		}
	}
	c.mu.RUnlock()

	if req.PageSize <= 0 {
		req.PageSize = c.pageSize
	}
	return table.Paginate(features, req), nil
}

// Nearest returns the n features of a layer closest to center
func (c *Catalog) Nearest(id string, center models.Location, n int) ([]*geojson.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	hits := l.index.NearestNeighbors(center, n)
	out := make([]*geojson.Feature, 0, len(hits))
	for _, i := range hits {
		out = append(out, l.features[i])
	}
	return out, nil
}

// Columns returns the property keys of a layer
func (c *Catalog) Columns(id string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return table.Columns(l.features), nil
}

// Values returns the distinct values of a column
func (c *Catalog) Values(id, column string, limit int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return table.Values(l.features, column, limit), nil
}

// Filter evaluates expr on the layers named by scope and replaces the
// temporary filter layer with the matches. When nothing matches the
// previous filter state is kept and ErrNoMatches is returned.
func (c *Catalog) Filter(expr string, scope FilterScope) (*FilterResult, error) {
	parsed, err := filter.Parse(expr)
	if err != nil {
		return nil, err
	}
	return c.FilterExpression(parsed, scope)
}

// FilterExpression is Filter for an already parsed expression
func (c *Catalog) FilterExpression(parsed *filter.Expression, scope FilterScope) (*FilterResult, error) {
	if parsed == nil {
		return nil, fmt.Errorf("%w: empty expression", filter.ErrInvalidExpression)
	}

	c.mu.Lock()
	var sources []*Layer
	if scope.All || scope.LayerID == "" {
		for _, id := range c.order {
			if l := c.layers[id]; !l.Temporary {
				sources = append(sources, l)
			}
		}
	} else {
		l, ok := c.layers[scope.LayerID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, scope.LayerID)
		}
		sources = append(sources, l)
	}

	var matched []*geojson.Feature
	for _, l := range sources {
		matched = append(matched, filter.Apply(parsed, l.features)...)
	}
	if len(matched) == 0 {
		c.mu.Unlock()
		return nil, ErrNoMatches
	}

	layer, err := c.newLayer(FilterLayerID, FilterLayerID, matched)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	layer.Temporary = true
	layer.Source = parsed.String()

	c.remove(FilterLayerID)
	c.insert(layer)
	c.filter = &activeFilter{expression: parsed.String()}
	info := layer.Info()
	c.mu.Unlock()

	c.logger.Info("filter applied",
		zap.String("expression", parsed.String()),
		zap.Int("matched", len(matched)),
	)
	c.publish(Event{Type: EventFilterApplied, LayerID: FilterLayerID, Title: parsed.String(), Count: len(matched)})
	return &FilterResult{Expression: parsed.String(), Matched: len(matched), Layer: info}, nil
}

// ActiveFilter returns the expression of the current filter
func (c *Catalog) ActiveFilter() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filter == nil {
		return "", false
	}
	return c.filter.expression, true
}

// ClearFilter removes the temporary filter layer. It reports whether a
// filter was active.
func (c *Catalog) ClearFilter() bool {
	c.mu.Lock()
	active := c.filter != nil
	c.filter = nil
	c.remove(FilterLayerID)
	c.mu.Unlock()

	if active {
		c.publish(Event{Type: EventFilterCleared, LayerID: FilterLayerID})
	}
	return active
}

// ExportFilter turns the current filter result into a permanent layer
// titled "New Layer (N) from Query (expr)". With a schema configured the
// exported properties are normalized to the declared ones.
func (c *Catalog) ExportFilter() (*models.LayerInfo, error) {
	c.mu.Lock()
	tmp, ok := c.layers[FilterLayerID]
	if c.filter == nil || !ok {
		c.mu.Unlock()
		return nil, ErrNoActiveFilter
	}

	fc := &geojson.FeatureCollection{Type: "FeatureCollection", Features: tmp.features}
	if c.schema != nil {
		fc, _ = c.schema.Normalize(fc)
	}

	c.exportCount++
	c.nextID++
	id := layerIDPrefix + strconv.Itoa(c.nextID)
	title := fmt.Sprintf("New Layer (%d) from Query (%s)", c.exportCount, c.filter.expression)

	layer, err := c.newLayer(id, title, fc.Features, WithSource(c.filter.expression))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.insert(layer)
	c.remove(FilterLayerID)
	c.filter = nil
	info := layer.Info()
	c.mu.Unlock()

	c.logger.Info("filter exported", zap.String("id", id), zap.String("title", title))
	c.publish(Event{Type: EventFilterCleared, LayerID: FilterLayerID})
	c.publish(Event{Type: EventLayerAdded, LayerID: id, Title: title, Count: info.FeatureCount})
	return &info, nil
}

// Validate checks a layer against the catalog schema
func (c *Catalog) Validate(id string) (*schema.Report, error) {
	if c.schema == nil {
		return nil, ErrNoSchema
	}
	fc, err := c.Collection(id)
	if err != nil {
		return nil, err
	}
	return c.schema.ValidateCollection(fc)
}

// IDs returns the layer IDs in insertion order
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of layers
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.layers)
}
