package domain

import (
	"context"
	"net"
	"time"
)

// NoPort はURIにポートが指定されていないことを示す.
const NoPort = 0

// Target はURIから解決した接続先を表す.
type Target struct {
	Host string
	Port int
	Path string
}

// Request はクライアントから受け取ったプロキシリクエストを表す.
type Request struct {
	ClientIP   string
	Method     string
	URI        string
	Version    string
	HostHeader string
	HasHost    bool
	Target     Target
}

// CacheStatus はリクエストに対するキャッシュの結果.
type CacheStatus string

const (
	CacheBypass CacheStatus = "bypass"
	CacheHit    CacheStatus = "hit"
	CacheMiss   CacheStatus = "miss"
)

// Exchange は1接続分のリレー結果を表す.
type Exchange struct {
	Request   Request
	Cache     CacheStatus
	Stored    bool
	Status    int
	BytesOut  int64
	StartedAt time.Time
	Duration  time.Duration
}

// OriginDialer はオリジンサーバーへの接続を開くインターフェース.
type OriginDialer interface {
	DialContext(ctx context.Context, host string, port int) (net.Conn, error)
}
