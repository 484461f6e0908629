package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-explorer/pkg/formats"
)

const kmlUpload = `<kml xmlns="http://www.opengis.net/kml/2.2"><Document>
<Placemark><name>A</name><Point><coordinates>1,2</coordinates></Point></Placemark>
</Document></kml>`

const geojsonBody = `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]},"properties":{"name":"remote"}}]}`

const rssBody = `<rss version="2.0" xmlns:georss="http://www.georss.org/georss"><channel><title>t</title>
<item><title>quake</title><georss:point>10 20</georss:point></item></channel></rss>`

func TestFromUpload(t *testing.T) {
	svc := New()

	res, err := svc.FromUpload(context.Background(), "areas.kml", ".kml", strings.NewReader(kmlUpload))
	require.NoError(t, err)
	assert.Equal(t, "areas", res.Name)
	assert.Equal(t, formats.KML, res.Format)
	require.Len(t, res.Collection.Features, 1)
	assert.Contains(t, string(res.GeoJSON), `"FeatureCollection"`)

	// suffix falls back to the filename extension
	res, err = svc.FromUpload(context.Background(), "remote.geojson", "", strings.NewReader(geojsonBody))
	require.NoError(t, err)
	assert.Equal(t, formats.GeoJSON, res.Format)
}

func TestFromUploadErrors(t *testing.T) {
	svc := New(WithMaxBytes(64))

	testCases := []struct {
		name     string
		filename string
		suffix   string
		body     string
		nilBody  bool
		expected error
	}{
		{"missing body", "a.kml", ".kml", "", true, ErrMissingInput},
		{"empty body", "a.kml", ".kml", "  \n", false, ErrMissingInput},
		{"too large", "a.kml", ".kml", strings.Repeat("x", 65), false, ErrTooLarge},
		{"unsupported suffix", "a.shp", ".shp", "x", false, formats.ErrUnsupportedFormat},
		{"no extension", "upload", "", "x", false, formats.ErrUnsupportedFormat},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			if tc.nilBody {
				_, err = svc.FromUpload(context.Background(), tc.filename, tc.suffix, nil)
			} else {
				_, err = svc.FromUpload(context.Background(), tc.filename, tc.suffix, strings.NewReader(tc.body))
			}
			assert.ErrorIs(t, err, tc.expected)
		})
	}

	_, err := svc.FromUpload(context.Background(), "bad.kml", ".kml", strings.NewReader("<kml><Placemark>"))
	var perr *formats.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/layer.json":
			fmt.Fprint(w, geojsonBody)
		case "/feed":
			fmt.Fprint(w, rssBody)
		case "/broken":
			fmt.Fprint(w, "{not json")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := New(WithHTTPClient(srv.Client()))

	t.Run("json pass through", func(t *testing.T) {
		res, err := svc.FromURL(context.Background(), srv.URL+"/data/layer.json", JSONSuffix)
		require.NoError(t, err)
		assert.Equal(t, "layer", res.Name)
		assert.Equal(t, formats.GeoJSON, res.Format)
		assert.Equal(t, geojsonBody, string(res.GeoJSON))
		assert.Len(t, res.Collection.Features, 1)
	})

	t.Run("default suffix is georss", func(t *testing.T) {
		res, err := svc.FromURL(context.Background(), srv.URL+"/feed", "")
		require.NoError(t, err)
		assert.Equal(t, formats.GeoRSS, res.Format)
		require.Len(t, res.Collection.Features, 1)
		assert.Equal(t, "quake", res.Collection.Features[0].Properties["title"])
	})

	t.Run("not found", func(t *testing.T) {
		_, err := svc.FromURL(context.Background(), srv.URL+"/missing", JSONSuffix)
		assert.ErrorIs(t, err, ErrFetch)
	})

	t.Run("pass through still checks geojson", func(t *testing.T) {
		_, err := svc.FromURL(context.Background(), srv.URL+"/broken", JSONSuffix)
		var perr *formats.ParseError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("invalid urls", func(t *testing.T) {
		_, err := svc.FromURL(context.Background(), "", ".kml")
		assert.ErrorIs(t, err, ErrMissingInput)
		_, err = svc.FromURL(context.Background(), "file:///etc/passwd", ".kml")
		assert.ErrorIs(t, err, ErrInvalidURL)
		_, err = svc.FromURL(context.Background(), "http://", ".kml")
		assert.ErrorIs(t, err, ErrInvalidURL)
	})
}

func TestFromURLTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	svc := New(WithFetchTimeout(50 * time.Millisecond))
	_, err := svc.FromURL(context.Background(), srv.URL+"/slow.json", JSONSuffix)
	assert.ErrorIs(t, err, ErrFetch)
}

func TestFromURLCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, geojsonBody)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().FromURL(ctx, srv.URL+"/layer.json", JSONSuffix)
	assert.ErrorIs(t, err, ErrFetch)
}
