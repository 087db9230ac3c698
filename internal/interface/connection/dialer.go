package connection

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// Dialer はオリジンサーバーへの TCP 接続を作成する
type Dialer struct {
	dialer net.Dialer
}

var _ domain.OriginDialer = (*Dialer)(nil)

// NewDialer は新しいDialerを作成. timeout が0の場合はタイムアウトなし.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{dialer: net.Dialer{Timeout: timeout}}
}

// DialContext は host:port へ接続する
func (d *Dialer) DialContext(ctx context.Context, host string, port int) (net.Conn, error) {
	return d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
