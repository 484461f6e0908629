// Package ingest converts uploaded files and remote URLs into GeoJSON
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kass/go-geo-explorer/pkg/formats"
)

const (
	// JSONSuffix makes FromURL pass the fetched body through as GeoJSON
	JSONSuffix = "isJson"
	// DefaultURLSuffix is assumed for URLs fetched without a suffix
	DefaultURLSuffix = ".georss"

	DefaultMaxBytes     = 32 << 20
	DefaultFetchTimeout = 30 * time.Second
)

var (
	ErrMissingInput = errors.New("no input file or url given")
	ErrTooLarge     = errors.New("input exceeds size limit")
	ErrFetch        = errors.New("failed to fetch url")
	ErrInvalidURL   = errors.New("invalid url")
)

// Result is a converted input
type Result struct {
	Name       string                     `json:"name"`
	Format     formats.Format             `json:"format"`
	Collection *geojson.FeatureCollection `json:"-"`
	GeoJSON    []byte                     `json:"-"`
}

// Service converts uploads and remote documents. Requests are independent;
// nothing is cached or retried.
type Service struct {
	MaxBytes int64

	client *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// Option configures a Service
type Option func(*Service)

// WithHTTPClient sets the client used by FromURL
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

// WithFetchTimeout sets the timeout of the default client
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.client = &http.Client{Timeout: d}
		}
	}
}

// WithMaxBytes limits the size of accepted inputs
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.MaxBytes = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service
func New(opts ...Option) *Service {
	s := &Service{
		MaxBytes: DefaultMaxBytes,
		client:   &http.Client{Timeout: DefaultFetchTimeout},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/kass/go-geo-explorer/pkg/ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromUpload converts an uploaded file. The suffix selects the format and
// falls back to the extension of filename when empty.
func (s *Service) FromUpload(ctx context.Context, filename, suffix string, r io.Reader) (*Result, error) {
	_, span := s.tracer.Start(ctx, "ingest.FromUpload", trace.WithAttributes(
		attribute.String("ingest.filename", filename),
		attribute.String("ingest.suffix", suffix),
	))
	defer span.End()

	res, err := s.fromUpload(filename, suffix, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("upload conversion failed", zap.String("filename", filename), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("ingest.features", len(res.Collection.Features)))
	s.logger.Info("converted upload",
		zap.String("filename", filename),
		zap.String("format", string(res.Format)),
		zap.Int("features", len(res.Collection.Features)),
	)
	return res, nil
}

func (s *Service) fromUpload(filename, suffix string, r io.Reader) (*Result, error) {
	if r == nil {
		return nil, ErrMissingInput
	}

	var (
		format formats.Format
		err    error
	)
	if suffix != "" {
		format, err = formats.FromSuffix(suffix)
	} else {
		format, err = formats.Detect(filename)
	}
	if err != nil {
		return nil, err
	}

	data, err := s.readLimited(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrMissingInput
	}

	return convert(baseName(filename), format, data)
}

// FromURL fetches a remote document. The JSONSuffix passes the body through
// unchanged after checking that it is GeoJSON; any other suffix decodes
// the body as that format.
func (s *Service) FromURL(ctx context.Context, rawURL, suffix string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.FromURL", trace.WithAttributes(
		attribute.String("ingest.url", rawURL),
		attribute.String("ingest.suffix", suffix),
	))
	defer span.End()

	res, err := s.fromURL(ctx, rawURL, suffix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("url conversion failed", zap.String("url", rawURL), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("ingest.features", len(res.Collection.Features)))
	s.logger.Info("converted url",
		zap.String("url", rawURL),
		zap.String("format", string(res.Format)),
		zap.Int("features", len(res.Collection.Features)),
	)
	return res, nil
}

func (s *Service) fromURL(ctx context.Context, rawURL, suffix string) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrMissingInput
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	passThrough := suffix == JSONSuffix
	format := formats.GeoJSON
	if !passThrough {
		if suffix == "" {
			suffix = DefaultURLSuffix
		}
		if format, err = formats.FromSuffix(suffix); err != nil {
			return nil, err
		}
	}

	data, err := s.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}

	name := baseName(u.Path)
	if name == "" {
		name = u.Host
	}

	res, err := convert(name, format, data)
	if err != nil {
		return nil, err
	}
	if passThrough {
		res.GeoJSON = data
	}
	return res, nil
}

func (s *Service) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, target, resp.Status)
	}
	return s.readLimited(resp.Body)
}

func (s *Service) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if int64(len(data)) > s.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.MaxBytes)
	}
	return data, nil
}

func convert(name string, format formats.Format, data []byte) (*Result, error) {
	fc, err := formats.Decode(format, data)
	if err != nil {
		return nil, err
	}
	out, err := formats.EncodeGeoJSON(fc)
	if err != nil {
		return nil, err
	}
	return &Result{Name: name, Format: format, Collection: fc, GeoJSON: out}, nil
}

func baseName(p string) string {
	base := path.Base(filepath.ToSlash(p))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
