// Package catalog reads the geocoded records the processing service keeps:
// the address directory, map coordinates, free-text search and quality
// statistics. Each call has its own deadline.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/geoload/internal/classify"
	"github.com/JakeFAU/geoload/internal/flexjson"
)

// MinSearchTerm is the shortest accepted search term, in runes.
const MinSearchTerm = 3

// ErrSearchTermTooShort is returned before any request for short terms.
var ErrSearchTermTooShort = fmt.Errorf("search term must have at least %d characters", MinSearchTerm)

// Getter performs one JSON GET; *client.Client satisfies it.
type Getter interface {
	GetJSON(ctx context.Context, path string, query url.Values, timeout time.Duration, out any) error
}

// Config sets paths, deadlines, retries and the search throttle.
type Config struct {
	DirectoryPath   string
	CoordinatesPath string
	SearchPath      string
	QualityPath     string

	DirectoryTimeout   time.Duration
	CoordinatesTimeout time.Duration
	SearchTimeout      time.Duration

	// DirectoryRetries is the number of extra directory attempts.
	DirectoryRetries int
	// SearchRPS of zero disables throttling.
	SearchRPS   float64
	SearchBurst int

	Retry  RetryPolicy
	Logger *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	get     Getter
	cfg     Config
	retry   RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a catalog Client reading through get.
func New(get Getter, cfg Config) *Client {
	r := rate.Limit(cfg.SearchRPS)
	if cfg.SearchRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.SearchBurst
	if burst <= 0 {
		burst = 1
	}
	policy := cfg.Retry
	if policy == nil {
		policy = NewExponentialRetryPolicy(cfg.DirectoryRetries)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		get:     get,
		cfg:     cfg,
		retry:   policy,
		limiter: rate.NewLimiter(r, burst),
		logger:  logger.Named("catalog"),
	}
}

// Error wraps a failed catalog call with its classified kind.
type Error struct {
	Op   string
	Kind classify.Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the user-facing text for the failure.
func (e *Error) Message() string {
	return classify.Describe(e.Err)
}

func (c *Client) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := classify.Classify(err)
	c.logger.Warn("catalog call failed", zap.String("op", op), zap.Stringer("kind", kind), zap.Error(err))
	return &Error{Op: op, Kind: kind, Err: err}
}

// Point is one geocoded address.
type Point struct {
	ID              int64           `json:"id"`
	OutputID        int64           `json:"id_salida,omitempty"`
	OriginalAddress string          `json:"direccion_original"`
	FullAddress     string          `json:"direccion_completa"`
	Neighborhood    string          `json:"colonia"`
	Municipality    string          `json:"municipio"`
	State           string          `json:"estado"`
	PostalCode      string          `json:"codigo_postal,omitempty"`
	Latitude        flexjson.Number `json:"latitud"`
	Longitude       flexjson.Number `json:"longitud"`
	Confidence      flexjson.Number `json:"confianza"`
	Category        string          `json:"categoria"`
	Source          string          `json:"fuente,omitempty"`
}

// Record is one directory row. Its columns vary by deployment.
type Record map[string]any

// ListAddresses returns the full address directory. A payload that is not
// a list, or an object without a datos/data list, yields no records.
func (c *Client) ListAddresses(ctx context.Context) ([]Record, error) {
	var records []Record
	err := retry(ctx, c.retry, func() error {
		var raw json.RawMessage
		if err := c.get.GetJSON(ctx, c.cfg.DirectoryPath, nil, c.cfg.DirectoryTimeout, &raw); err != nil {
			return err
		}
		var err error
		records, err = unwrapList[Record](raw)
		return err
	})
	if err != nil {
		return nil, c.wrap("list addresses", err)
	}
	return records, nil
}

// Filter narrows Coordinates. Zero values are omitted except the quality
// bounds, which default to 0 and 100.
type Filter struct {
	MinQuality   *float64
	MaxQuality   *float64
	Municipality string
	State        string
	Neighborhood string
	Limit        int
}

// Query encodes the filter as request parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	minQ, maxQ := 0.0, 100.0
	if f.MinQuality != nil {
		minQ = *f.MinQuality
	}
	if f.MaxQuality != nil {
		maxQ = *f.MaxQuality
	}
	q.Set("calidad_minima", strconv.FormatFloat(minQ, 'f', -1, 64))
	q.Set("calidad_maxima", strconv.FormatFloat(maxQ, 'f', -1, 64))
	if f.Municipality != "" {
		q.Set("municipio", f.Municipality)
	}
	if f.State != "" {
		q.Set("estado", f.State)
	}
	if f.Neighborhood != "" {
		q.Set("colonia", f.Neighborhood)
	}
	if f.Limit > 0 {
		q.Set("limite", strconv.Itoa(f.Limit))
	}
	return q
}

// Coordinates returns the geocoded points matching f.
func (c *Client) Coordinates(ctx context.Context, f Filter) ([]Point, error) {
	var raw json.RawMessage
	if err := c.get.GetJSON(ctx, c.cfg.CoordinatesPath, f.Query(), c.cfg.CoordinatesTimeout, &raw); err != nil {
		return nil, c.wrap("coordinates", err)
	}
	points, err := unwrapList[Point](raw)
	if err != nil {
		return nil, c.wrap("coordinates", err)
	}
	return points, nil
}

// Search finds points whose address matches term.
func (c *Client) Search(ctx context.Context, term string) ([]Point, error) {
	term = strings.TrimSpace(term)
	if utf8.RuneCountInString(term) < MinSearchTerm {
		return nil, ErrSearchTermTooShort
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search throttle: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		c.logger.Debug("search throttled", zap.Duration("waited", waited))
	}
	var raw json.RawMessage
	query := url.Values{"termino": []string{term}}
	if err := c.get.GetJSON(ctx, c.cfg.SearchPath, query, c.cfg.SearchTimeout, &raw); err != nil {
		return nil, c.wrap("search", err)
	}
	points, err := unwrapList[Point](raw)
	if err != nil {
		return nil, c.wrap("search", err)
	}
	return points, nil
}

// QualityStats summarizes geocoding confidence.
type QualityStats struct {
	Total          flexjson.Number `json:"total"`
	ByCategory     CategoryCounts  `json:"porCategoria"`
	AverageQuality flexjson.Number `json:"calidadPromedio"`
	TotalInStore   flexjson.Number `json:"totalEnBD,omitempty"`
	Returned       flexjson.Number `json:"obtenidos,omitempty"`
}

// CategoryCounts buckets records by confidence.
type CategoryCounts struct {
	High    flexjson.Number `json:"alto"`
	Medium  flexjson.Number `json:"medio"`
	Low     flexjson.Number `json:"bajo"`
	VeryLow flexjson.Number `json:"muyBajo"`
}

// QualityStats fetches the confidence summary.
func (c *Client) QualityStats(ctx context.Context) (QualityStats, error) {
	var stats QualityStats
	if err := c.get.GetJSON(ctx, c.cfg.QualityPath, nil, c.cfg.SearchTimeout, &stats); err != nil {
		return QualityStats{}, c.wrap("quality stats", err)
	}
	return stats, nil
}

// unwrapList accepts a bare array or an object carrying the array under
// datos or data. Other shapes yield an empty list.
func unwrapList[T any](raw json.RawMessage) ([]T, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return []T{}, nil
	}
	switch raw[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		for _, key := range []string{"datos", "data"} {
			if inner, ok := envelope[key]; ok && strings.HasPrefix(strings.TrimSpace(string(inner)), "[") {
				return unwrapList[T](inner)
			}
		}
		return []T{}, nil
	default:
		return []T{}, nil
	}
}
