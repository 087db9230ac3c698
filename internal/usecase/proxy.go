package usecase

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// RelayConfig はリレーエンジンの設定を表す
type RelayConfig struct {
	ChunkSize     int
	MaxLine       int
	DefaultPort   int
	EntryLimit    int64
	ValidateCache bool
}

// DefaultRelayConfig はデフォルトのリレー設定を返す.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ChunkSize:   8192,
		MaxLine:     8192,
		DefaultPort: 80,
		EntryLimit:  102400,
	}
}

// ProxyUseCase はプロキシの主要なユースケースを実装
type ProxyUseCase struct {
	accessControl domain.AccessController
	cache         domain.CacheStore
	dialer        domain.OriginDialer
	metrics       domain.MetricsCollector
	logger        zerolog.Logger
	config        RelayConfig
}

// NewProxyUseCase は新しいProxyUseCaseインスタンスを作成
// accessControl は nil でもよい.
func NewProxyUseCase(
	accessControl domain.AccessController,
	cache domain.CacheStore,
	dialer domain.OriginDialer,
	metrics domain.MetricsCollector,
	logger zerolog.Logger,
	config RelayConfig,
) *ProxyUseCase {
	defaults := DefaultRelayConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.MaxLine <= 0 {
		config.MaxLine = defaults.MaxLine
	}
	if config.DefaultPort <= 0 {
		config.DefaultPort = defaults.DefaultPort
	}
	if config.EntryLimit <= 0 {
		config.EntryLimit = defaults.EntryLimit
	}

	return &ProxyUseCase{
		accessControl: accessControl,
		cache:         cache,
		dialer:        dialer,
		metrics:       metrics,
		logger:        logger.With().Str("component", "relay").Logger(),
		config:        config,
	}
}

// Relay は1つのクライアント接続を処理する.
// リクエストを読み、キャッシュから返すかオリジンへ転送してレスポンスを中継する.
// 返すエラーは接続単位のもので、既にクライアントへ通知済みの場合もある.
func (uc *ProxyUseCase) Relay(
	ctx context.Context, client io.ReadWriter, clientIP string,
) (*domain.Exchange, error) {
	ex := &domain.Exchange{
		Request:   domain.Request{ClientIP: clientIP},
		Cache:     domain.CacheBypass,
		StartedAt: time.Now(),
	}
	defer func() {
		ex.Duration = time.Since(ex.StartedAt)
	}()

	out := &countingWriter{w: client}
	err := uc.relay(ctx, bufio.NewReaderSize(client, uc.config.MaxLine), out, ex)
	ex.BytesOut = out.n
	uc.metrics.AddBytesTransferred(out.n)

	if err != nil {
		uc.metrics.RecordError(domain.ErrorKind(err))
	}
	return ex, err
}

func (uc *ProxyUseCase) relay(
	ctx context.Context, br *bufio.Reader, client *countingWriter, ex *domain.Exchange,
) error {
	log := uc.loggerFrom(ctx)

	line, err := readLine(br, uc.config.MaxLine)
	if err != nil {
		return &domain.TransportError{Op: "read request line", Err: err}
	}
	uc.metrics.RecordRequest()

	req := &ex.Request
	req.Method, req.URI, req.Version = parseRequestLine(line)

	if !strings.EqualFold(req.Method, "GET") {
		return uc.fail(client, ex, &domain.ProtocolError{Method: req.Method})
	}

	req.HasHost, req.HostHeader, err = ReadRequestHeaders(br, uc.config.MaxLine)
	if err != nil {
		return &domain.TransportError{Op: "read request headers", Err: err}
	}

	target, err := ResolveURI(req.URI)
	if err != nil {
		return uc.fail(client, ex, err)
	}
	explicitPort := target.Port != domain.NoPort
	if !explicitPort {
		target.Port = uc.config.DefaultPort
	}
	req.Target = target

	if uc.accessControl != nil {
		allowed, err := uc.accessControl.IsAllowed(req.ClientIP, target.Host)
		if err != nil {
			log.Error().Err(err).Msg("Access control check failed")
		} else if !allowed {
			uc.metrics.RecordBlockedRequest()
			return uc.fail(client, ex, &domain.AccessDeniedError{ClientIP: req.ClientIP, Host: target.Host})
		}
	}

	if obj, ok := uc.cache.Lookup(req.URI); ok {
		defer obj.Release()
		ex.Cache = domain.CacheHit
		ex.Status = statusFromHeader(obj.Header())
		uc.metrics.RecordCacheHit()
		log.Debug().Str("uri", req.URI).Int64("size", obj.Size()).Msg("cache hit")
		return uc.serveCached(client, obj)
	}
	ex.Cache = domain.CacheMiss
	uc.metrics.RecordCacheMiss()

	origin, err := uc.dialer.DialContext(ctx, target.Host, target.Port)
	if err != nil {
		return uc.fail(client, ex, &domain.ConnectionError{Host: target.Host, Port: target.Port, Err: err})
	}
	defer origin.Close()

	hostHeader := req.HostHeader
	if !req.HasHost {
		hostHeader = target.Host
		if explicitPort {
			hostHeader = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
		}
	}

	request := append(BuildRequestLine(target.Path), BuildRequestHeaders(hostHeader, true)...)
	log.Debug().
		Str("host", target.Host).
		Int("port", target.Port).
		Str("path", target.Path).
		Msg("forwarding request to origin")
	if _, err := origin.Write(request); err != nil {
		return uc.fail(client, ex, &domain.TransportError{Op: "write request to origin", Upstream: true, Err: err})
	}

	ob := bufio.NewReaderSize(origin, uc.config.MaxLine)
	header, err := ReadResponseHeaders(ob, uc.config.MaxLine)
	if err != nil {
		return uc.fail(client, ex, &domain.TransportError{Op: "read origin headers", Upstream: true, Err: err})
	}
	ex.Status = statusFromHeader(header)

	if _, err := client.Write(header); err != nil {
		return &domain.TransportError{Op: "write headers to client", Err: err}
	}

	body, err := uc.streamBody(ob, client)
	if err != nil {
		return err
	}
	// 配信は完了しているので、挿入の前にオリジンとの接続を閉じる
	origin.Close()
	if body == nil {
		return nil
	}

	if err := uc.cache.Put(req.URI, header, body); err != nil {
		uc.metrics.RecordCacheReject()
		log.Debug().Err(err).Str("uri", req.URI).Msg("response not cached")
		return nil
	}
	ex.Stored = true
	uc.metrics.RecordCacheStore()
	uc.validateCache(log)
	return nil
}

// streamBody はオリジンのボディをクライアントへ転送しながら、
// 上限以内であればキャッシュ候補として蓄える.
// 候補がキャッシュできない場合は nil を返す.
func (uc *ProxyUseCase) streamBody(origin io.Reader, client io.Writer) ([]byte, error) {
	buf := make([]byte, uc.config.ChunkSize)
	var (
		total     int64
		candidate []byte
		cacheable = true
	)

	for {
		n, err := origin.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return nil, &domain.TransportError{Op: "write body to client", Err: werr}
			}
			total += int64(n)
			if cacheable {
				if total > uc.config.EntryLimit {
					cacheable = false
					candidate = nil
				} else {
					candidate = append(candidate, buf[:n]...)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &domain.TransportError{Op: "read body from origin", Upstream: true, Err: err}
		}
	}

	if !cacheable {
		uc.metrics.RecordCacheReject()
		return nil, nil
	}
	if total == 0 || int64(len(candidate)) != total {
		return nil, nil
	}
	return candidate, nil
}

func (uc *ProxyUseCase) serveCached(client io.Writer, obj domain.CachedObject) error {
	if _, err := client.Write(obj.Header()); err != nil {
		return &domain.TransportError{Op: "write cached headers", Err: err}
	}
	if _, err := client.Write(obj.Body()); err != nil {
		return &domain.TransportError{Op: "write cached body", Err: err}
	}
	return nil
}

// fail はエラーページを持つエラーであればクライアントへ送り、エラーをそのまま返す.
func (uc *ProxyUseCase) fail(client io.Writer, ex *domain.Exchange, err error) error {
	page, ok := domain.PageFor(err)
	if !ok {
		return err
	}
	ex.Status = page.Status
	if _, werr := WriteErrorPage(client, page); werr != nil {
		return errors.Join(err, &domain.TransportError{Op: "write error page", Err: werr})
	}
	return err
}

func (uc *ProxyUseCase) validateCache(log *zerolog.Logger) {
	if !uc.config.ValidateCache {
		return
	}
	inspector, ok := uc.cache.(domain.CacheInspector)
	if !ok {
		return
	}
	for _, violation := range inspector.Validate() {
		log.Error().Str("violation", violation).Msg("cache invariant violated")
	}
}

func (uc *ProxyUseCase) loggerFrom(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &uc.logger
}

// parseRequestLine は "METHOD URI VERSION" を分解する. 足りない要素は空文字列になる.
func parseRequestLine(line []byte) (method, uri, version string) {
	fields := strings.Fields(string(line))
	if len(fields) > 0 {
		method = fields[0]
	}
	if len(fields) > 1 {
		uri = fields[1]
	}
	if len(fields) > 2 {
		version = fields[2]
	}
	return method, uri, version
}

// statusFromHeader はステータス行からステータスコードを取り出す. 読めなければ0.
func statusFromHeader(header []byte) int {
	line, _, _ := bytes.Cut(header, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// IsConnectionClosed は接続が正常に閉じられたかを判断
func IsConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
