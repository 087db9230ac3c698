package domain

import "time"

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest()
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheStore()
	RecordCacheReject()
	RecordEviction()
	RecordBlockedRequest()
	RecordError(kind string)
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	CacheHits          int64     `json:"cache_hits"`
	CacheMisses        int64     `json:"cache_misses"`
	CacheStores        int64     `json:"cache_stores"`
	CacheRejects       int64     `json:"cache_rejects"`
	Evictions          int64     `json:"evictions"`
	BlockedRequests    int64     `json:"blocked_requests"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// HitRatio はキャッシュヒット率を返す.
func (ms *MetricsSnapshot) HitRatio() float64 {
	total := ms.CacheHits + ms.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(ms.CacheHits) / float64(total)
}
