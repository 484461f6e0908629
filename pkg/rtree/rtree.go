// Package rtree implements a partitioned R-Tree over feature bounds
// with goroutine-based parallel queries across longitude bands
package rtree

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"
	"github.com/kass/go-geo-explorer/pkg/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	tolerance   = 0.0001
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
	earthRadius = 6371.0 // km
)

// spatialFeature wraps a feature position to implement rtreego.Spatial
type spatialFeature struct {
	idx    int
	bound  orb.Bound
	center orb.Point
	rect   *rtreego.Rect
}

func (sf *spatialFeature) Bounds() *rtreego.Rect {
	return sf.rect
}

// FeatureIndex is a thread-safe R-Tree index of feature bounds.
// Results are feature positions in the slice passed to IndexFeatures.
type FeatureIndex struct {
	partitions      []*rtreego.Rtree
	numPartitions   int
	mu              sync.RWMutex
	itemCount       atomic.Int64
	partitionBounds []models.BoundingBox
}

// NewFeatureIndex creates an index with one partition per CPU
func NewFeatureIndex() *FeatureIndex {
	return NewFeatureIndexWithPartitions(runtime.NumCPU())
}

// NewFeatureIndexWithPartitions creates an index with the given partition count
func NewFeatureIndexWithPartitions(numPartitions int) *FeatureIndex {
	if numPartitions <= 0 {
		numPartitions = runtime.NumCPU()
	}

	partitions := make([]*rtreego.Rtree, numPartitions)
	partitionBounds := make([]models.BoundingBox, numPartitions)

	lonRange := 360.0 / float64(numPartitions)
	for i := 0; i < numPartitions; i++ {
		partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)

		minLon := -180.0 + float64(i)*lonRange
		maxLon := minLon + lonRange
		if i == numPartitions-1 {
			maxLon = 180.0
		}

		partitionBounds[i] = models.BoundingBox{
			BottomLeft: models.Location{Lat: -90, Lon: minLon},
			TopRight:   models.Location{Lat: 90, Lon: maxLon},
		}
	}

	return &FeatureIndex{
		partitions:      partitions,
		numPartitions:   numPartitions,
		partitionBounds: partitionBounds,
	}
}

// IndexFeatures replaces the index content with the given features.
// Features without geometry are skipped.
func (g *FeatureIndex) IndexFeatures(features []*geojson.Feature) error {
	partitioned := make([][]*spatialFeature, g.numPartitions)

	lonRange := 360.0 / float64(g.numPartitions)
	for i, f := range features {
		if f == nil || f.Geometry == nil {
			continue
		}
		bound := f.Geometry.Bound()
		rect, err := boundToRect(bound)
		if err != nil {
			continue
		}

		// a feature lives in the partition of its bound center; it may
		// extend past that band, so QueryBox visits every partition
		center := bound.Center()
		partitionIdx := int((center.Lon() + 180.0) / lonRange)
		if partitionIdx >= g.numPartitions {
			partitionIdx = g.numPartitions - 1
		}
		if partitionIdx < 0 {
			partitionIdx = 0
		}

		partitioned[partitionIdx] = append(partitioned[partitionIdx], &spatialFeature{
			idx:    i,
			bound:  bound,
			center: center,
			rect:   rect,
		})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.partitions {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}

	var wg sync.WaitGroup
	var totalInserted atomic.Int64

	for i := 0; i < g.numPartitions; i++ {
		if len(partitioned[i]) == 0 {
			continue
		}

		wg.Add(1)
		go func(partitionIdx int, items []*spatialFeature) {
			defer wg.Done()

			for _, item := range items {
				g.partitions[partitionIdx].Insert(item)
			}
			totalInserted.Add(int64(len(items)))
		}(i, partitioned[i])
	}

	wg.Wait()
	g.itemCount.Store(totalInserted.Load())
	return nil
}

// QueryBox returns the positions of features whose bounds intersect the box
func (g *FeatureIndex) QueryBox(box models.BoundingBox) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bounds, err := boundToRect(box.Orb())
	if err != nil {
		return nil
	}
	query := box.Orb()

	resultsChan := make(chan []int, g.numPartitions)
	for idx := 0; idx < g.numPartitions; idx++ {
		go func(idx int) {
			results := g.partitions[idx].SearchIntersect(bounds)

			hits := make([]int, 0, len(results))
			for _, result := range results {
				item, ok := result.(*spatialFeature)
				if !ok {
					continue
				}
				if item.bound.Intersects(query) {
					hits = append(hits, item.idx)
				}
			}
			resultsChan <- hits
		}(idx)
	}

	return collect(resultsChan, g.numPartitions)
}

// QueryRadius returns the positions of features whose bound center lies
// within radiusKm of center
func (g *FeatureIndex) QueryRadius(center models.Location, radiusKm float64) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deg := (radiusKm / earthRadius) * (180 / math.Pi)
	queryBox := models.BoundingBox{
		BottomLeft: models.Location{Lat: center.Lat - deg, Lon: center.Lon - deg},
		TopRight:   models.Location{Lat: center.Lat + deg, Lon: center.Lon + deg},
	}
	bounds, err := boundToRect(queryBox.Orb())
	if err != nil {
		return nil
	}

	relevant := g.getRelevantPartitions(queryBox)
	resultsChan := make(chan []int, len(relevant))

	for _, partitionIdx := range relevant {
		go func(idx int) {
			results := g.partitions[idx].SearchIntersect(bounds)

			hits := make([]int, 0, len(results))
			for _, result := range results {
				item, ok := result.(*spatialFeature)
				if !ok {
					continue
				}
				dist := Distance(center.Lat, center.Lon, item.center.Lat(), item.center.Lon())
				if dist <= radiusKm {
					hits = append(hits, item.idx)
				}
			}
			resultsChan <- hits
		}(partitionIdx)
	}

	return collect(resultsChan, len(relevant))
}

// NearestNeighbors returns the positions of the n features whose bound
// centers are closest to center, nearest first
func (g *FeatureIndex) NearestNeighbors(center models.Location, n int) []int {
	if n <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if count := int(g.itemCount.Load()); n > count {
		n = count
	}
	if n == 0 {
		return nil
	}

	type nearestResult struct {
		idx      int
		distance float64
	}

	resultsChan := make(chan []nearestResult, g.numPartitions)
	for i := 0; i < g.numPartitions; i++ {
		go func(idx int) {
			queryPoint := rtreego.Point{center.Lon, center.Lat}
			results := g.partitions[idx].NearestNeighbors(n*2, queryPoint)

			nearest := make([]nearestResult, 0, len(results))
			for _, result := range results {
				sf, ok := result.(*spatialFeature)
				if !ok || sf == nil {
					continue
				}
				nearest = append(nearest, nearestResult{
					idx:      sf.idx,
					distance: Distance(center.Lat, center.Lon, sf.center.Lat(), sf.center.Lon()),
				})
			}
			resultsChan <- nearest
		}(i)
	}

	var all []nearestResult
	for i := 0; i < g.numPartitions; i++ {
		all = append(all, <-resultsChan...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].distance == all[j].distance {
			return all[i].idx < all[j].idx
		}
		return all[i].distance < all[j].distance
	})

	if len(all) > n {
		all = all[:n]
	}
	out := make([]int, len(all))
	for i, r := range all {
		out[i] = r.idx
	}
	return out
}

// Count returns the number of indexed features
func (g *FeatureIndex) Count() int64 {
	return g.itemCount.Load()
}

// Clear removes all features from the index
func (g *FeatureIndex) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < g.numPartitions; i++ {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}
	g.itemCount.Store(0)
}

// getRelevantPartitions returns the partitions whose longitude band
// intersects the given box
func (g *FeatureIndex) getRelevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, bounds := range g.partitionBounds {
		if box.BottomLeft.Lon <= bounds.TopRight.Lon &&
			box.TopRight.Lon >= bounds.BottomLeft.Lon {
			relevant = append(relevant, i)
		}
	}
	return relevant
}

func collect(resultsChan <-chan []int, n int) []int {
	var all []int
	for i := 0; i < n; i++ {
		all = append(all, <-resultsChan...)
	}
	sort.Ints(all)
	return all
}

// boundToRect builds an rtreego rectangle (x=lon, y=lat), padding
// degenerate sides since rtreego rejects zero lengths
func boundToRect(b orb.Bound) (*rtreego.Rect, error) {
	width := b.Max.Lon() - b.Min.Lon()
	height := b.Max.Lat() - b.Min.Lat()
	if width < tolerance {
		width = tolerance
	}
	if height < tolerance {
		height = tolerance
	}
	return rtreego.NewRect(rtreego.Point{b.Min.Lon(), b.Min.Lat()}, []float64{width, height})
}

// Distance calculates the Haversine distance between two points in kilometers
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
