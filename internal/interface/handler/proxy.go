package handler

import (
	"context"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/divergen371/cacheproxy/internal/domain"
	"github.com/divergen371/cacheproxy/internal/interface/connection"
	"github.com/divergen371/cacheproxy/internal/usecase"
)

// Relayer は1接続分のリクエストを中継する
type Relayer interface {
	Relay(ctx context.Context, client io.ReadWriter, clientIP string) (*domain.Exchange, error)
}

var _ Relayer = (*usecase.ProxyUseCase)(nil)

// ProxyHandler はクライアント接続ごとにリレーを実行する
type ProxyHandler struct {
	relayer Relayer
	metrics domain.MetricsCollector
	logger  zerolog.Logger
}

var _ connection.Handler = (*ProxyHandler)(nil)

// NewProxyHandler は新しいProxyHandlerインスタンスを作成
func NewProxyHandler(
	relayer Relayer, metrics domain.MetricsCollector, logger zerolog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		relayer: relayer,
		metrics: metrics,
		logger:  logger,
	}
}

// ServeConn は接続IDを割り当て、リレーの結果をログに残す
func (h *ProxyHandler) ServeConn(ctx context.Context, conn net.Conn) {
	h.metrics.IncrementConnections()
	defer h.metrics.DecrementConnections()

	clientIP := remoteIP(conn.RemoteAddr())
	log := h.logger.With().
		Str("conn_id", uuid.NewString()).
		Str("client_ip", clientIP).
		Logger()
	ctx = log.WithContext(ctx)

	ex, err := h.relayer.Relay(ctx, conn, clientIP)
	if ex == nil || ex.Request.Method == "" {
		if err != nil && !usecase.IsConnectionClosed(err) {
			log.Debug().Err(err).Msg("connection dropped before request")
		}
		return
	}

	req := ex.Request
	event := log.Info()
	if err != nil {
		if usecase.IsConnectionClosed(err) {
			event = log.Debug()
		} else {
			event = log.Warn()
		}
		event = event.Err(err).Str("error_kind", domain.ErrorKind(err))
	}

	event.
		Str("method", req.Method).
		Str("uri", req.URI).
		Str("host", req.Target.Host).
		Int("port", req.Target.Port).
		Str("cache", string(ex.Cache)).
		Bool("stored", ex.Stored).
		Int("status", ex.Status).
		Int64("bytes", ex.BytesOut).
		Dur("duration", ex.Duration).
		Msg("request completed")
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
