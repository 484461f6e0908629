package formats

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type kmlPlacemark struct {
	ID            string      `xml:"id,attr"`
	Name          string      `xml:"name"`
	Description   string      `xml:"description"`
	ExtendedData  kmlExtended `xml:"ExtendedData"`
	Point         *kmlCoords  `xml:"Point"`
	LineString    *kmlCoords  `xml:"LineString"`
	LinearRing    *kmlCoords  `xml:"LinearRing"`
	Polygon       *kmlPolygon `xml:"Polygon"`
	MultiGeometry *kmlMulti   `xml:"MultiGeometry"`
}

type kmlExtended struct {
	Data []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value"`
	} `xml:"Data"`
	SchemaData []struct {
		SimpleData []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:",chardata"`
		} `xml:"SimpleData"`
	} `xml:"SchemaData"`
}

type kmlCoords struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer kmlCoords   `xml:"outerBoundaryIs>LinearRing"`
	Inner []kmlCoords `xml:"innerBoundaryIs>LinearRing"`
}

type kmlMulti struct {
	Points      []kmlCoords  `xml:"Point"`
	LineStrings []kmlCoords  `xml:"LineString"`
	Polygons    []kmlPolygon `xml:"Polygon"`
	Multi       []kmlMulti   `xml:"MultiGeometry"`
}

// decodeKML streams the document and converts every Placemark, wherever
// it is nested in Document and Folder elements
func decodeKML(data []byte) (*geojson.FeatureCollection, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	fc := geojson.NewFeatureCollection()
	sawRoot := false

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseErr(KML, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "kml" {
			sawRoot = true
		}
		if start.Name.Local != "Placemark" {
			continue
		}

		var pm kmlPlacemark
		if err := decoder.DecodeElement(&pm, &start); err != nil {
			return nil, parseErr(KML, err)
		}
		f, err := pm.feature()
		if err != nil {
			return nil, parseErr(KML, err)
		}
		fc.Append(f)
	}

	if !sawRoot {
		return nil, parseErr(KML, errors.New("missing kml root element"))
	}
	if len(fc.Features) == 0 {
		return nil, ErrNoFeatures
	}
	return fc, nil
}

func (pm *kmlPlacemark) feature() (*geojson.Feature, error) {
	geom, err := pm.geometry()
	if err != nil {
		return nil, err
	}

	f := geojson.NewFeature(geom)
	if pm.ID != "" {
		f.ID = pm.ID
	}
	if name := strings.TrimSpace(pm.Name); name != "" {
		f.Properties["name"] = name
	}
	if desc := strings.TrimSpace(pm.Description); desc != "" {
		f.Properties["description"] = desc
	}
	for _, d := range pm.ExtendedData.Data {
		if d.Name != "" {
			f.Properties[d.Name] = strings.TrimSpace(d.Value)
		}
	}
	for _, sd := range pm.ExtendedData.SchemaData {
		for _, d := range sd.SimpleData {
			if d.Name != "" {
				f.Properties[d.Name] = strings.TrimSpace(d.Value)
			}
		}
	}
	return f, nil
}

func (pm *kmlPlacemark) geometry() (orb.Geometry, error) {
	switch {
	case pm.Point != nil:
		return kmlPoint(*pm.Point)
	case pm.LineString != nil:
		return kmlLine(*pm.LineString)
	case pm.LinearRing != nil:
		line, err := kmlLine(*pm.LinearRing)
		if err != nil {
			return nil, err
		}
		return orb.Polygon{orb.Ring(line)}, nil
	case pm.Polygon != nil:
		return kmlPoly(*pm.Polygon)
	case pm.MultiGeometry != nil:
		return pm.MultiGeometry.geometry()
	}
	return nil, nil
}

// geometry collapses homogeneous children into the matching Multi type
// and falls back to a collection for mixed content
func (m *kmlMulti) geometry() (orb.Geometry, error) {
	var all orb.Collection
	var points orb.MultiPoint
	var lines orb.MultiLineString
	var polys orb.MultiPolygon

	for _, c := range m.Points {
		p, err := kmlPoint(c)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
		all = append(all, p)
	}
	for _, c := range m.LineStrings {
		l, err := kmlLine(c)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
		all = append(all, l)
	}
	for _, c := range m.Polygons {
		p, err := kmlPoly(c)
		if err != nil {
			return nil, err
		}
		polys = append(polys, p)
		all = append(all, p)
	}
	for i := range m.Multi {
		g, err := m.Multi[i].geometry()
		if err != nil {
			return nil, err
		}
		if g != nil {
			all = append(all, g)
		}
	}

	switch len(all) {
	case 0:
		return nil, nil
	case len(points):
		return points, nil
	case len(lines):
		return lines, nil
	case len(polys):
		return polys, nil
	}
	return all, nil
}

func kmlPoint(c kmlCoords) (orb.Point, error) {
	pts, err := parseKMLCoordinates(c.Coordinates)
	if err != nil {
		return orb.Point{}, err
	}
	if len(pts) != 1 {
		return orb.Point{}, fmt.Errorf("point has %d coordinates", len(pts))
	}
	return pts[0], nil
}

func kmlLine(c kmlCoords) (orb.LineString, error) {
	pts, err := parseKMLCoordinates(c.Coordinates)
	if err != nil {
		return nil, err
	}
	if len(pts) < 2 {
		return nil, fmt.Errorf("line has %d coordinates", len(pts))
	}
	return orb.LineString(pts), nil
}

func kmlPoly(p kmlPolygon) (orb.Polygon, error) {
	outer, err := kmlLine(p.Outer)
	if err != nil {
		return nil, fmt.Errorf("outer boundary: %w", err)
	}
	poly := orb.Polygon{orb.Ring(outer)}
	for _, inner := range p.Inner {
		ring, err := kmlLine(inner)
		if err != nil {
			return nil, fmt.Errorf("inner boundary: %w", err)
		}
		poly = append(poly, orb.Ring(ring))
	}
	return poly, nil
}

// parseKMLCoordinates reads whitespace separated lon,lat[,alt] tuples
func parseKMLCoordinates(s string) ([]orb.Point, error) {
	var pts []orb.Point
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid coordinate %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude %q", parts[0])
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude %q", parts[1])
		}
		pts = append(pts, orb.Point{lon, lat})
	}
	return pts, nil
}
