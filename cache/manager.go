package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulnwatch/epss-go/config"
)

// Manager is the façade over one active storage backend. It owns the key
// generator and the statistics for its lifetime, and it is the single
// place where backend errors are counted and downgraded to miss/false
// outcomes. Construction never fails: a disabled configuration, an
// unrecognized backend name, or a backend constructor error all install
// the no-op backend instead.
type Manager struct {
	cfg      config.Cache
	keys     *KeyGenerator
	backend  Backend
	enc      Encoding
	log      logrus.FieldLogger
	fallback bool

	mu    sync.Mutex // guards stats replacement on Clear
	stats *Stats

	closeOnce sync.Once
	closeErr  error
}

// NewManager builds a Manager for the given cache configuration. A nil
// logger falls back to the logrus standard logger.
func NewManager(cfg *config.Cache, log logrus.FieldLogger) *Manager {
	if cfg == nil {
		def := config.Default().Cache
		cfg = &def
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		cfg:   *cfg,
		keys:  NewKeyGenerator(cfg.KeyPrefix),
		enc:   EncodingJSON,
		log:   log,
		stats: newStats(),
	}
	m.backend = m.newBackend()
	return m
}

func (m *Manager) newBackend() Backend {
	if !m.cfg.Enabled {
		m.log.Debug("cache disabled, using no-op backend")
		return noopBackend{}
	}

	ttl := m.cfg.TTLDuration()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var backend Backend
	var err error
	switch m.cfg.Backend {
	case config.BackendFile:
		var fb *fileBackend
		fb, err = newFileBackend(m.cfg.File, ttl, m.log)
		if err == nil {
			m.enc = fb.enc
			backend = fb
		}
	case config.BackendRedis:
		backend, err = newRedisBackend(m.cfg.Redis, m.keys.prefix)
	case config.BackendDatabase:
		backend, err = newDatabaseBackend(m.cfg.Database)
	default:
		m.log.WithField("backend", m.cfg.Backend).Error("unknown cache backend, falling back to no-op")
		m.stats.recordError()
		m.fallback = true
		return noopBackend{}
	}

	if err != nil {
		m.log.WithError(err).WithField("backend", m.cfg.Backend).
			Error("failed to initialize cache backend, falling back to no-op")
		m.stats.recordError()
		m.fallback = true
		return noopBackend{}
	}
	m.log.WithField("backend", m.cfg.Backend).Debug("cache backend initialized")
	return backend
}

// Enabled reports whether the configuration enables caching. It stays
// true when a real backend failed and the no-op fallback was installed;
// the error counter is the observable signal for that case.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// Key derives the cache key for a method and parameter set.
func (m *Manager) Key(method string, params Params) string {
	return m.keys.Key(method, params)
}

func (m *Manager) current() *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Get retrieves and decodes the cached value for (method, params). Any
// backend or decode failure counts one error and reads as a miss; the
// caller never sees a cache-layer failure.
func Get[T any](ctx context.Context, m *Manager, method string, params Params) (T, bool) {
	var zero T
	if !m.cfg.Enabled {
		return zero, false
	}
	stats := m.current()
	key := m.keys.Key(method, params)

	e, err := m.backend.Get(ctx, key)
	if err != nil {
		m.log.WithError(err).WithField("key", key).Error("cache get failed")
		stats.recordError()
		stats.recordMiss()
		return zero, false
	}
	if e == nil {
		stats.recordMiss()
		m.log.WithField("key", key).Debug("cache miss")
		return zero, false
	}

	var out T
	if err := e.decode(&out); err != nil {
		m.log.WithError(err).WithField("key", key).Error("cache payload decode failed")
		stats.recordError()
		stats.recordMiss()
		return zero, false
	}
	stats.recordHit()
	m.log.WithField("key", key).Debug("cache hit")
	return out, true
}

// Set stores a value for (method, params). A ttl <= 0 uses the
// configured default. Reports success; failures are counted, logged, and
// folded into false.
func (m *Manager) Set(ctx context.Context, method string, params Params, v any, ttl time.Duration) bool {
	if !m.cfg.Enabled {
		return true
	}
	stats := m.current()
	key := m.keys.Key(method, params)
	if ttl <= 0 {
		ttl = m.cfg.TTLDuration()
		if ttl <= 0 {
			ttl = DefaultTTL
		}
	}

	e, err := encode(v, m.enc)
	if err != nil {
		m.log.WithError(err).WithField("key", key).Error("cache payload encode failed")
		stats.recordError()
		return false
	}
	if err := m.backend.Set(ctx, key, e, ttl); err != nil {
		m.log.WithError(err).WithField("key", key).Error("cache set failed")
		stats.recordError()
		return false
	}
	stats.recordSet()
	m.log.WithField("key", key).WithField("ttl", ttl).Debug("cached response")
	return true
}

// Delete removes the cached value for (method, params).
func (m *Manager) Delete(ctx context.Context, method string, params Params) bool {
	if !m.cfg.Enabled {
		return true
	}
	stats := m.current()
	key := m.keys.Key(method, params)
	ok, err := m.backend.Delete(ctx, key)
	if err != nil {
		m.log.WithError(err).WithField("key", key).Error("cache delete failed")
		stats.recordError()
		return false
	}
	if ok {
		stats.recordDelete()
	}
	return ok
}

// Exists reports whether a cached value is present for (method, params).
func (m *Manager) Exists(ctx context.Context, method string, params Params) bool {
	if !m.cfg.Enabled {
		return false
	}
	ok, err := m.backend.Exists(ctx, m.keys.Key(method, params))
	if err != nil {
		m.log.WithError(err).Error("cache exists check failed")
		m.current().recordError()
		return false
	}
	return ok
}

// Clear removes every entry in the backend's namespace. On success the
// statistics are reset to a fresh zero state; on failure they are left
// untouched.
func (m *Manager) Clear(ctx context.Context) bool {
	if !m.cfg.Enabled {
		return true
	}
	if err := m.backend.Clear(ctx); err != nil {
		m.log.WithError(err).Error("cache clear failed")
		m.current().recordError()
		return false
	}
	m.mu.Lock()
	m.stats = newStats()
	m.mu.Unlock()
	m.log.Info("cache cleared")
	return true
}

// Stats returns a point-in-time statistics snapshot.
func (m *Manager) Stats() Snapshot {
	snap := m.current().snapshot()
	snap.Enabled = m.cfg.Enabled
	snap.Backend = m.cfg.Backend
	snap.TTL = m.cfg.TTL
	return snap
}

// Close shuts down the active backend. Idempotent; statistics are not
// reset.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.backend.Close()
	})
	return m.closeErr
}
