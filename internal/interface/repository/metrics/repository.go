package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/divergen371/cacheproxy/internal/domain"
)

const namespace = "cacheproxy"

// Repository はメトリクスのリポジトリ実装
// カウンターはアトミック変数で保持し、Prometheus へは Func 系のコレクターで公開する.
type Repository struct {
	mu          sync.Mutex
	metricsFile string
	startTime   time.Time
	registry    *prometheus.Registry

	connections atomic.Int64
	requests    atomic.Int64
	bytes       atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	cacheStores atomic.Int64
	rejects     atomic.Int64
	evictions   atomic.Int64
	blocked     atomic.Int64
	errors      atomic.Int64

	errorsByKind *prometheus.CounterVec
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
// metricsFile が空の場合 SaveMetrics は何もしない.
func New(metricsFile string) *Repository {
	r := &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    prometheus.NewRegistry(),
	}
	factory := promauto.With(r.registry)

	counter := func(name, help string, v *atomic.Int64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	counter("requests_total", "Total number of processed requests", &r.requests)
	counter("bytes_transferred_total", "Total number of bytes written to clients", &r.bytes)
	counter("cache_hits_total", "Total number of cache hits", &r.cacheHits)
	counter("cache_misses_total", "Total number of cache misses", &r.cacheMisses)
	counter("cache_stores_total", "Total number of responses stored in the cache", &r.cacheStores)
	counter("cache_rejects_total", "Total number of responses not stored in the cache", &r.rejects)
	counter("cache_evictions_total", "Total number of entries evicted from the cache", &r.evictions)
	counter("blocked_requests_total", "Total number of requests denied by access control", &r.blocked)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_connections",
		Help:      "Current number of active client connections",
	}, func() float64 { return float64(r.connections.Load()) })

	r.errorsByKind = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total number of failed requests by kind",
	}, []string{"kind"})

	return r
}

// Registry はこのリポジトリのメトリクスを保持するレジストリを返す
func (r *Repository) Registry() *prometheus.Registry {
	return r.registry
}

// RegisterCache はキャッシュの占有状況をゲージとして公開する
func (r *Repository) RegisterCache(cache domain.CacheInspector) error {
	gauges := []struct {
		name, help string
		value      func(domain.CacheStats) float64
	}{
		{"cache_entries", "Number of entries in the cache", func(s domain.CacheStats) float64 { return float64(s.Entries) }},
		{"cache_size_bytes", "Total body bytes held by the cache", func(s domain.CacheStats) float64 { return float64(s.Size) }},
		{"cache_capacity_bytes", "Configured cache capacity in bytes", func(s domain.CacheStats) float64 { return float64(s.Capacity) }},
	}

	for _, g := range gauges {
		value := g.value
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return value(cache.Stats()) })
		if err := r.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register %s: %w", g.name, err)
		}
	}
	return nil
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() { r.connections.Add(1) }

func (r *Repository) DecrementConnections() { r.connections.Add(-1) }

func (r *Repository) AddBytesTransferred(bytes int64) { r.bytes.Add(bytes) }

func (r *Repository) RecordRequest() { r.requests.Add(1) }

func (r *Repository) RecordCacheHit() { r.cacheHits.Add(1) }

func (r *Repository) RecordCacheMiss() { r.cacheMisses.Add(1) }

func (r *Repository) RecordCacheStore() { r.cacheStores.Add(1) }

func (r *Repository) RecordCacheReject() { r.rejects.Add(1) }

func (r *Repository) RecordEviction() { r.evictions.Add(1) }

func (r *Repository) RecordBlockedRequest() { r.blocked.Add(1) }

func (r *Repository) RecordError(kind string) {
	r.errors.Add(1)
	r.errorsByKind.WithLabelValues(kind).Inc()
}

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:          time.Now(),
		StartTime:          r.startTime,
		CurrentConnections: r.connections.Load(),
		TotalRequests:      r.requests.Load(),
		BytesTransferred:   r.bytes.Load(),
		CacheHits:          r.cacheHits.Load(),
		CacheMisses:        r.cacheMisses.Load(),
		CacheStores:        r.cacheStores.Load(),
		CacheRejects:       r.rejects.Load(),
		Evictions:          r.evictions.Load(),
		BlockedRequests:    r.blocked.Load(),
		Errors:             r.errors.Load(),
		Uptime:             time.Since(r.startTime).Round(time.Second).String(),
	}
}
