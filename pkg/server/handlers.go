package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/catalog"
	"github.com/kass/go-geo-explorer/pkg/filter"
	"github.com/kass/go-geo-explorer/pkg/formats"
	"github.com/kass/go-geo-explorer/pkg/ingest"
	"github.com/kass/go-geo-explorer/pkg/models"
	"github.com/kass/go-geo-explorer/pkg/schema"
	"github.com/kass/go-geo-explorer/pkg/table"
)

var unsafeFilename = regexp.MustCompile(`[^\w.\- ()]+`)

// ingestRequest converts the inputFile or url form field of r
func (s *Server) ingestRequest(r *http.Request) (*ingest.Result, string, error) {
	if r.ContentLength > s.maxUpload {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ingest.ErrTooLarge, s.maxUpload)
	}
	if err := r.ParseMultipartForm(s.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	suffix := r.FormValue("suffix")

	file, header, err := r.FormFile("inputFile")
	switch {
	case err == nil:
		defer file.Close()
		res, err := s.ingest.FromUpload(r.Context(), header.Filename, suffix, file)
		return res, header.Filename, err
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		target := r.FormValue("url")
		if target == "" {
			return nil, "", ingest.ErrMissingInput
		}
		res, err := s.ingest.FromURL(r.Context(), target, suffix)
		return res, target, err
	default:
		return nil, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
}

// handleUpload converts an upload or URL and answers with the GeoJSON text
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	res, _, err := s.ingestRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.GeoJSON)
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	active := ""
	if sch := s.catalog.Schema(); sch != nil {
		active = sch.Name()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  active,
		"builtin": schema.Builtins(),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	sch := s.catalog.Schema()
	if sch == nil {
		s.writeError(w, r, catalog.ErrNoSchema)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       sch.Name(),
		"properties": sch.Properties(),
		"required":   sch.Required(),
	})
}

// handleValidate validates a GeoJSON body. Violations are part of a 200
// response; with normalize=true the normalized collection is returned.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sch := s.catalog.Schema()
	if sch == nil {
		s.writeError(w, r, catalog.ErrNoSchema)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if truthy(r.URL.Query().Get("normalize")) {
		fc, err := formats.Decode(formats.GeoJSON, body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out, stats := sch.Normalize(fc)
		w.Header().Set("X-Normalized-Removed", strconv.Itoa(stats.Removed))
		w.Header().Set("X-Normalized-Added", strconv.Itoa(stats.Added))
		writeJSON(w, http.StatusOK, out)
		return
	}

	report, err := sch.Validate(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	filterExpr, active := s.catalog.ActiveFilter()
	resp := map[string]interface{}{"layers": s.catalog.Layers()}
	if active {
		resp["filter"] = filterExpr
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAddLayer accepts a multipart upload, a url form, or a GeoJSON body
func (s *Server) handleAddLayer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	var (
		fc     *geojson.FeatureCollection
		title  = r.URL.Query().Get("title")
		source string
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		res, src, err := s.ingestRequest(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		fc, source = res.Collection, src
		if t := r.FormValue("title"); t != "" {
			title = t
		}
		if title == "" {
			title = res.Name
		}
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if fc, err = formats.Decode(formats.GeoJSON, body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	info, err := s.catalog.AddLayer(title, fc, catalog.WithSource(source))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	info, err := s.catalog.Layer(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveLayer(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.RemoveLayer(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type layerUpdate struct {
	Visible *bool `json:"visible"`
}

func (s *Server) handleUpdateLayer(w http.ResponseWriter, r *http.Request) {
	var req layerUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if req.Visible == nil {
		s.writeError(w, r, fmt.Errorf("%w: nothing to update", ErrBadRequest))
		return
	}
	info, err := s.catalog.SetVisible(mux.Vars(r)["id"], *req.Visible)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type featurePage struct {
	Type     string             `json:"type"`
	Features []*geojson.Feature `json:"features"`
	table.Page
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := table.PageRequest{SortBy: q.Get("sort"), Desc: truthy(q.Get("desc"))}
	var err error
	if req.Page, err = intParam(q.Get("page")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PageSize, err = intParam(q.Get("pageSize")); err != nil {
		s.writeError(w, r, err)
		return
	}

	var bbox *models.BoundingBox
	if raw := q.Get("bbox"); raw != "" {
		box, err := parseBBox(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		bbox = &box
	}

	page, err := s.catalog.Features(mux.Vars(r)["id"], req, bbox)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features := page.Features
	if features == nil {
		features = []*geojson.Feature{}
	}
	writeJSON(w, http.StatusOK, featurePage{Type: "FeatureCollection", Features: features, Page: page})
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := s.catalog.Columns(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"columns": cols})
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	values, err := s.catalog.Values(vars["id"], vars["column"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"column": vars["column"], "values": values})
}

func (s *Server) handleValidateLayer(w http.ResponseWriter, r *http.Request) {
	report, err := s.catalog.Validate(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExport downloads a layer as GeoJSON or CSV
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	info, err := s.catalog.Layer(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fc, err := s.catalog.Collection(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if truthy(q.Get("normalize")) {
		sch := s.catalog.Schema()
		if sch == nil {
			s.writeError(w, r, catalog.ErrNoSchema)
			return
		}
		fc, _ = sch.Normalize(fc)
	}

	name := strings.TrimSpace(unsafeFilename.ReplaceAllString(info.Title, "_"))
	if name == "" {
		name = id
	}

	switch format := strings.ToLower(q.Get("format")); format {
	case "", "geojson", "json":
		out, err := formats.EncodeGeoJSON(fc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.geojson"`, name))
		_, _ = w.Write(out)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, name))
		if err := formats.EncodeCSV(w, fc); err != nil {
			s.logger.Warn("csv export interrupted", zap.String("layer", id), zap.Error(err))
		}
	default:
		s.writeError(w, r, fmt.Errorf("%w: export format %q", formats.ErrUnsupportedFormat, format))
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		s.writeError(w, r, ErrPublishDisabled)
		return
	}
	id := mux.Vars(r)["id"]
	info, err := s.catalog.Layer(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fc, err := s.catalog.Collection(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.publisher.BulkInsertFeatures(r.Context(), id, info.Title, fc.Features)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to publish layer %s: %w", id, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"layer": id, "published": n})
}

// filterRequest carries either a full expression or the three parts of a
// single comparison
type filterRequest struct {
	Expression string `json:"expression"`
	Attribute  string `json:"attribute"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
	Layer      string `json:"layer"`
	All        bool   `json:"all"`
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	var (
		parsed *filter.Expression
		err    error
	)
	if strings.TrimSpace(req.Expression) == "" && (req.Attribute != "" || req.Operator != "" || req.Value != "") {
		parsed, err = filter.Build(req.Attribute, filter.Operator(req.Operator), req.Value)
	} else {
		parsed, err = filter.Parse(req.Expression)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.catalog.FilterExpression(parsed, catalog.FilterScope{LayerID: req.Layer, All: req.All})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClearFilter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": s.catalog.ClearFilter()})
}

func (s *Server) handleExportFilter(w http.ResponseWriter, r *http.Request) {
	info, err := s.catalog.ExportFilter()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadRequest, v)
	}
	return n, nil
}

// parseBBox reads "minLon,minLat,maxLon,maxLat"
func parseBBox(raw string) (models.BoundingBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return models.BoundingBox{}, fmt.Errorf("%w: want minLon,minLat,maxLon,maxLat", catalog.ErrInvalidBBox)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return models.BoundingBox{}, fmt.Errorf("%w: %v", catalog.ErrInvalidBBox, err)
		}
		v[i] = f
	}
	return models.BoundingBox{
		BottomLeft: models.Location{Lon: v[0], Lat: v[1]},
		TopRight:   models.Location{Lon: v[2], Lat: v[3]},
	}, nil
}
