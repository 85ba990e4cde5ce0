package epss

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/vulnwatch/epss-go/cache"
	"github.com/vulnwatch/epss-go/config"
)

// DefaultBaseURL is the public EPSS API endpoint.
const DefaultBaseURL = "https://api.first.org/data/v1/epss"

const retryAttempts = 5

// Error describes a failed API request.
type Error struct {
	URL    string
	Method string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("epss: %s %s returned %d: %s", e.Method, e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("epss: %s %s failed: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client queries the FIRST EPSS API with a response cache in front of
// the network call. The client owns its cache Manager and closes it via
// Close.
type Client struct {
	cfg   config.Client
	hc    *http.Client
	cache *cache.Manager
	log   logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithManager injects an externally constructed cache Manager. The
// client still owns it and closes it.
func WithManager(m *cache.Manager) Option {
	return func(c *Client) { c.cache = m }
}

// New builds a Client from configuration. A nil config uses defaults
// (caching disabled); a nil logger uses the logrus standard logger.
func New(cfg *config.Config, log logrus.FieldLogger, opts ...Option) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	clientCfg := cfg.Client
	if clientCfg.BaseURL == "" {
		clientCfg.BaseURL = DefaultBaseURL
	}
	timeout := time.Duration(clientCfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg: clientCfg,
		hc:  &http.Client{Timeout: timeout},
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = cache.NewManager(&cfg.Cache, log)
	}
	return c
}

// QueryOptions is the full query surface of the EPSS API. Zero values
// are omitted from the request.
type QueryOptions struct {
	CVEs                  []string
	Date                  string // YYYY-MM-DD
	Scope                 string // "time-series"
	Order                 string // e.g. "!epss"
	EPSSGreaterThan       float64
	PercentileGreaterThan float64
	Limit                 int
	Offset                int
	Envelope              bool
	Pretty                bool

	// NoCache bypasses the cache for this call; TTL overrides the
	// configured default for the stored entry (file backend entries all
	// share the configured TTL regardless).
	NoCache bool
	TTL     time.Duration
}

// params is the canonical parameter set fed to both the cache key
// generator and the request query string.
func (o QueryOptions) params() cache.Params {
	p := cache.Params{}
	if len(o.CVEs) > 0 {
		p["cve"] = strings.Join(o.CVEs, ",")
	}
	if o.Date != "" {
		p["date"] = o.Date
	}
	if o.Scope != "" {
		p["scope"] = o.Scope
	}
	if o.Order != "" {
		p["order"] = o.Order
	}
	if o.EPSSGreaterThan > 0 {
		p["epss-gt"] = o.EPSSGreaterThan
	}
	if o.PercentileGreaterThan > 0 {
		p["percentile-gt"] = o.PercentileGreaterThan
	}
	if o.Limit > 0 {
		p["limit"] = o.Limit
	}
	if o.Offset > 0 {
		p["offset"] = o.Offset
	}
	if o.Envelope {
		p["envelope"] = "true"
	}
	if o.Pretty {
		p["pretty"] = "true"
	}
	return p
}

func (o QueryOptions) values() url.Values {
	v := url.Values{}
	for key, val := range o.params() {
		switch t := val.(type) {
		case string:
			v.Set(key, t)
		case int:
			v.Set(key, strconv.Itoa(t))
		case float64:
			v.Set(key, strconv.FormatFloat(t, 'f', -1, 64))
		default:
			v.Set(key, fmt.Sprint(t))
		}
	}
	return v
}

// Query runs a generic EPSS query.
func (c *Client) Query(ctx context.Context, opts QueryOptions) (*Envelope, error) {
	return c.do(ctx, "query", opts)
}

// Get fetches a single CVE.
func (c *Client) Get(ctx context.Context, cve string, opts QueryOptions) (*Envelope, error) {
	opts.CVEs = []string{cve}
	return c.do(ctx, "get", opts)
}

// Batch fetches a set of CVEs in one request.
func (c *Client) Batch(ctx context.Context, cves []string, opts QueryOptions) (*Envelope, error) {
	opts.CVEs = cves
	return c.do(ctx, "batch", opts)
}

// Top fetches the highest-scoring CVEs, defaulting to the top 100 by
// EPSS score descending.
func (c *Client) Top(ctx context.Context, opts QueryOptions) (*Envelope, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Order == "" {
		opts.Order = "!epss"
	}
	return c.do(ctx, "top", opts)
}

func (c *Client) do(ctx context.Context, method string, opts QueryOptions) (*Envelope, error) {
	params := opts.params()
	useCache := !opts.NoCache

	if useCache {
		if env, ok := cache.Get[Envelope](ctx, c.cache, method, params); ok {
			return &env, nil
		}
	}

	env, err := c.fetch(ctx, method, opts)
	if err != nil {
		return nil, err
	}

	// A failed lookup is never cached.
	if useCache && env.OK() {
		c.cache.Set(ctx, method, params, env, opts.TTL)
	}
	return env, nil
}

func (c *Client) fetch(ctx context.Context, method string, opts QueryOptions) (*Envelope, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, &Error{URL: c.cfg.BaseURL, Method: method, Err: errors.Wrap(err, "parsing base url")}
	}
	u.RawQuery = opts.values().Encode()
	target := u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{URL: target, Method: method, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	for i := 0; i < retryAttempts; i++ {
		isLast := i == retryAttempts-1
		resp, err = c.hc.Do(req)
		if shouldRetry(resp, err) && !isLast {
			c.log.WithField("attempt", i+1).Debug("retryable api error, retrying")
			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			// exponential backoff
			v := 150 * math.Pow(2, float64(i))
			time.Sleep(time.Duration(v) * time.Millisecond)
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, &Error{URL: target, Method: method, Err: err}
		}
		break
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: target, Method: method, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			URL:    target,
			Method: method,
			Status: resp.StatusCode,
			Body:   bodyPreview(body),
			Err:    errors.Newf("unexpected status %d", resp.StatusCode),
		}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &Error{URL: target, Method: method, Status: resp.StatusCode, Err: errors.Wrap(err, "decoding response")}
	}
	return &env, nil
}

func (c *Client) userAgent() string {
	if c.cfg.UserAgent != "" {
		return c.cfg.UserAgent
	}
	return "epss-go/1.0 (+https://api.first.org/epss)"
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
		if strings.Contains(err.Error(), "EOF") {
			return true
		}
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func bodyPreview(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// CacheStats returns the current cache statistics snapshot.
func (c *Client) CacheStats() cache.Snapshot { return c.cache.Stats() }

// ClearCache removes every cached response and resets statistics.
func (c *Client) ClearCache(ctx context.Context) bool { return c.cache.Clear(ctx) }

// Cache exposes the underlying cache manager.
func (c *Client) Cache() *cache.Manager { return c.cache }

// Close releases the cache backend. Idempotent.
func (c *Client) Close() error { return c.cache.Close() }
