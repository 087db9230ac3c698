package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMisconfigured はキャッシュの容量設定が不正な場合のエラー.
var ErrMisconfigured = errors.New("cache capacity must be positive and not smaller than the entry limit")

// ErrCacheFull はピン留めされたエントリしか残っておらず、待たずに空きを作れない場合のエラー.
var ErrCacheFull = errors.New("cache has no evictable room")

// ProtocolError はGET以外のメソッドを受け取った場合のエラー.
type ProtocolError struct {
	Method string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unsupported method %q", e.Method)
}

// ResolutionError はリクエストURIを解釈できない場合のエラー.
type ResolutionError struct {
	URI    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.URI, e.Reason)
}

// ConnectionError はオリジンサーバーへの接続失敗エラー.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to host %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError はクライアントまたはオリジンとの入出力エラー.
// Upstream はオリジン側のエラーであることを示す.
type TransportError struct {
	Op       string
	Upstream bool
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CapacityError はエントリサイズが上限を超えた場合のエラー.
type CapacityError struct {
	Key   string
	Size  int64
	Limit int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("object %q of %d bytes exceeds entry limit %d", e.Key, e.Size, e.Limit)
}

// AccessDeniedError はブロックリストにより拒否された場合のエラー.
type AccessDeniedError struct {
	ClientIP string
	Host     string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access not allowed for client %s to host %s", e.ClientIP, e.Host)
}

// ErrorPage はクライアントに返すエラーページの内容.
type ErrorPage struct {
	Status int
	Short  string
	Long   string
	Cause  string
}

// PageFor はエラーに対応するエラーページを返す.
// ページを持たないエラーは黙って接続を閉じる.
func PageFor(err error) (ErrorPage, bool) {
	var (
		protoErr   *ProtocolError
		resolveErr *ResolutionError
		connErr    *ConnectionError
		deniedErr  *AccessDeniedError
		transErr   *TransportError
	)

	switch {
	case errors.As(err, &protoErr):
		return ErrorPage{
			Status: http.StatusNotImplemented,
			Short:  "Not Implemented",
			Long:   "Proxy does not support method other than GET",
			Cause:  protoErr.Method,
		}, true
	case errors.As(err, &resolveErr):
		return ErrorPage{
			Status: http.StatusBadRequest,
			Short:  "Bad Request",
			Long:   "Proxy could not resolve the requested URI",
			Cause:  resolveErr.URI,
		}, true
	case errors.As(err, &connErr):
		return ErrorPage{
			Status: http.StatusBadRequest,
			Short:  "Bad Request",
			Long:   "Proxy could not connect to the origin server",
			Cause:  fmt.Sprintf("%s:%d", connErr.Host, connErr.Port),
		}, true
	case errors.As(err, &deniedErr):
		return ErrorPage{
			Status: http.StatusForbidden,
			Short:  "Forbidden",
			Long:   "Access to the requested host is blocked",
			Cause:  deniedErr.Host,
		}, true
	case errors.As(err, &transErr) && transErr.Upstream:
		return ErrorPage{
			Status: http.StatusBadRequest,
			Short:  "Bad Request",
			Long:   "Proxy could not read a response from the origin server",
			Cause:  transErr.Op,
		}, true
	}
	return ErrorPage{}, false
}

// ErrorKind はメトリクス用のエラー分類を返す.
func ErrorKind(err error) string {
	var (
		protoErr   *ProtocolError
		resolveErr *ResolutionError
		connErr    *ConnectionError
		deniedErr  *AccessDeniedError
		transErr   *TransportError
		capErr     *CapacityError
	)

	switch {
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &resolveErr):
		return "resolution"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &deniedErr):
		return "blocked"
	case errors.As(err, &capErr):
		return "capacity"
	case errors.As(err, &transErr):
		return "transport"
	}
	return "other"
}
