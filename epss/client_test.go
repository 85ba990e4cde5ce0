package epss

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/epss-go/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testEnvelope() Envelope {
	return Envelope{
		Status:     "OK",
		StatusCode: 200,
		Version:    "1.0",
		Total:      1,
		Limit:      100,
		Data: []Record{
			{CVE: "CVE-2022-27225", EPSS: "0.95", Percentile: "0.99", Date: "2024-01-01"},
		},
	}
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Client.BaseURL = baseURL
	cfg.Client.Timeout = 5
	return cfg
}

func withFileCache(t *testing.T, cfg *config.Config) *config.Config {
	t.Helper()
	cfg.Cache.Enabled = true
	cfg.Cache.Backend = config.BackendFile
	cfg.Cache.TTL = 300
	cfg.Cache.File.Directory = t.TempDir()
	cfg.Cache.File.Compression = false
	return cfg
}

func TestQuerySendsParams(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		json.NewEncoder(w).Encode(testEnvelope())
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), testLogger())
	defer c.Close()

	env, err := c.Query(context.Background(), QueryOptions{
		CVEs:  []string{"CVE-2022-27225", "CVE-2021-44228"},
		Date:  "2024-01-01",
		Limit: 50,
	})
	require.NoError(t, err)
	assert.True(t, env.OK())
	require.Len(t, env.Data, 1)
	assert.Equal(t, "CVE-2022-27225", env.Data[0].CVE)

	assert.Equal(t, []string{"CVE-2022-27225,CVE-2021-44228"}, gotQuery["cve"])
	assert.Equal(t, []string{"2024-01-01"}, gotQuery["date"])
	assert.Equal(t, []string{"50"}, gotQuery["limit"])
}

func TestTopDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "!epss", r.URL.Query().Get("order"))
		json.NewEncoder(w).Encode(testEnvelope())
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), testLogger())
	defer c.Close()

	_, err := c.Top(context.Background(), QueryOptions{})
	require.NoError(t, err)
}

func TestRecordScoreParsing(t *testing.T) {
	r := Record{EPSS: "0.97565", Percentile: "0.99"}
	score, err := r.Score()
	require.NoError(t, err)
	assert.InDelta(t, 0.97565, score, 1e-9)
	pct, err := r.PercentileValue()
	require.NoError(t, err)
	assert.InDelta(t, 0.99, pct, 1e-9)
}

func TestCacheAside(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(testEnvelope())
	}))
	defer srv.Close()

	c := New(withFileCache(t, testConfig(srv.URL)), testLogger())
	defer c.Close()

	ctx := context.Background()
	opts := QueryOptions{Limit: 100}

	first, err := c.Query(ctx, opts)
	require.NoError(t, err)
	second, err := c.Query(ctx, opts)
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, first, second)

	snap := c.CacheStats()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Sets)
}

func TestNoCacheBypass(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(testEnvelope())
	}))
	defer srv.Close()

	c := New(withFileCache(t, testConfig(srv.URL)), testLogger())
	defer c.Close()

	ctx := context.Background()
	opts := QueryOptions{Limit: 100, NoCache: true}
	_, err := c.Query(ctx, opts)
	require.NoError(t, err)
	_, err = c.Query(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestFailedLookupNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(Envelope{Status: "ERROR", StatusCode: 200})
	}))
	defer srv.Close()

	c := New(withFileCache(t, testConfig(srv.URL)), testLogger())
	defer c.Close()

	ctx := context.Background()
	_, err := c.Query(ctx, QueryOptions{Limit: 1})
	require.NoError(t, err)
	_, err = c.Query(ctx, QueryOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, int64(0), c.CacheStats().Sets)
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), testLogger())
	defer c.Close()

	_, err := c.Query(context.Background(), QueryOptions{Limit: 1})
	require.Error(t, err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestRetryOnServiceUnavailable(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(testEnvelope())
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), testLogger())
	defer c.Close()

	env, err := c.Query(context.Background(), QueryOptions{Limit: 1})
	require.NoError(t, err)
	assert.True(t, env.OK())
	assert.Equal(t, int64(3), calls.Load())
}

func TestQueryOptionsParams(t *testing.T) {
	opts := QueryOptions{
		CVEs:            []string{"CVE-2022-27225"},
		Date:            "2024-01-01",
		Scope:           "time-series",
		EPSSGreaterThan: 0.95,
		Limit:           10,
	}
	p := opts.params()
	assert.Equal(t, "CVE-2022-27225", p["cve"])
	assert.Equal(t, "2024-01-01", p["date"])
	assert.Equal(t, "time-series", p["scope"])
	assert.Equal(t, 0.95, p["epss-gt"])
	assert.Equal(t, 10, p["limit"])

	// Zero values are omitted entirely.
	_, ok := p["order"]
	assert.False(t, ok)
	_, ok = p["offset"]
	assert.False(t, ok)
}
