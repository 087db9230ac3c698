package usecase

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divergen371/cacheproxy/internal/domain"
	"github.com/divergen371/cacheproxy/internal/interface/repository/cache"
	"github.com/divergen371/cacheproxy/internal/interface/repository/metrics"
)

var errReset = errors.New("connection reset by peer")

// fakeOrigin は net.Pipe 越しに固定レスポンスを返すオリジン
type fakeOrigin struct {
	mu       sync.Mutex
	response string
	dialErr  error
	reset    bool
	dials    int
	hosts    []string
	ports    []int
	requests []string
}

func (o *fakeOrigin) DialContext(_ context.Context, host string, port int) (net.Conn, error) {
	o.mu.Lock()
	o.dials++
	o.hosts = append(o.hosts, host)
	o.ports = append(o.ports, port)
	o.mu.Unlock()

	if o.dialErr != nil {
		return nil, o.dialErr
	}

	local, remote := net.Pipe()
	go o.serve(remote)
	if o.reset {
		return &resetConn{Conn: local}, nil
	}
	return local, nil
}

func (o *fakeOrigin) serve(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	var req strings.Builder
	for {
		line, err := br.ReadString('\n')
		req.WriteString(line)
		if err != nil || line == "\r\n" {
			break
		}
	}

	o.mu.Lock()
	o.requests = append(o.requests, req.String())
	o.mu.Unlock()

	io.WriteString(conn, o.response)
}

func (o *fakeOrigin) dialCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dials
}

// resetConn は EOF の代わりに接続リセットを返す
type resetConn struct {
	net.Conn
}

func (c *resetConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if errors.Is(err, io.EOF) {
		return n, errReset
	}
	return n, err
}

type fakeAccess struct {
	blockedHost string
}

func (f *fakeAccess) IsAllowed(_, host string) (bool, error) { return host != f.blockedHost, nil }
func (f *fakeAccess) Reload() error { return nil }

type relayFixture struct {
	uc      *ProxyUseCase
	origin  *fakeOrigin
	store   *cache.Repository
	metrics *metrics.Repository
}

func newFixture(t *testing.T, response string, entryLimit int64) *relayFixture {
	t.Helper()
	return newSizedFixture(t, response, 1049000, entryLimit)
}

func newSizedFixture(t *testing.T, response string, capacity, entryLimit int64) *relayFixture {
	t.Helper()
	store, err := cache.New(capacity, entryLimit)
	require.NoError(t, err)

	f := &relayFixture{
		origin:  &fakeOrigin{response: response},
		store:   store,
		metrics: metrics.New(""),
	}
	f.uc = NewProxyUseCase(nil, store, f.origin, f.metrics, zerolog.Nop(), RelayConfig{
		ChunkSize:     64,
		EntryLimit:    entryLimit,
		ValidateCache: true,
	})
	return f
}

// roundTrip はクライアントとして request を送り、プロキシの応答をすべて読み取る
func roundTrip(t *testing.T, uc *ProxyUseCase, request string) (string, *domain.Exchange, error) {
	t.Helper()
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = io.WriteString(client, request)
	}()
	respc := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(client)
		respc <- b
	}()

	ex, err := uc.Relay(context.Background(), server, "127.0.0.1")
	server.Close()

	select {
	case resp := <-respc:
		return string(resp), ex, err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading proxy response")
		return "", nil, nil
	}
}

// hangUp はリクエストを送ったあと応答を待たずに切断するクライアント
func hangUp(t *testing.T, uc *ProxyUseCase, request string) (*domain.Exchange, int64, error) {
	t.Helper()
	server, client := net.Pipe()

	go func() {
		if request != "" {
			_, _ = io.WriteString(client, request)
		}
		client.Close()
	}()

	ex, err := uc.Relay(context.Background(), server, "127.0.0.1")
	server.Close()
	return ex, ex.BytesOut, err
}

func okResponse(body string) string {
	return "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n" + body
}

func TestRelayForwardsSynthesizedRequest(t *testing.T) {
	f := newFixture(t, okResponse("hello"), 102400)

	resp, ex, err := roundTrip(t, f.uc, "GET http://example.com/index.html HTTP/1.0\r\nCookie: x=y\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, okResponse("hello"), resp)
	require.Len(t, f.origin.requests, 1)
	assert.Equal(t, "GET /index.html HTTP/1.0\r\nHost: example.com\r\n"+fixedHeaders, f.origin.requests[0])
	assert.Equal(t, []string{"example.com"}, f.origin.hosts)
	assert.Equal(t, []int{80}, f.origin.ports)

	assert.Equal(t, domain.Target{Host: "example.com", Port: 80, Path: "/index.html"}, ex.Request.Target)
	assert.Equal(t, domain.CacheMiss, ex.Cache)
	assert.Equal(t, 200, ex.Status)
	assert.Equal(t, int64(len(resp)), ex.BytesOut)
}

func TestRelayKeepsClientHostHeader(t *testing.T) {
	f := newFixture(t, okResponse("x"), 102400)

	_, _, err := roundTrip(t, f.uc, "GET http://example.com:8080/ HTTP/1.0\r\nhost: alias.example\r\n\r\n")
	require.NoError(t, err)

	require.Len(t, f.origin.requests, 1)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: alias.example\r\n"+fixedHeaders, f.origin.requests[0])
	assert.Equal(t, []int{8080}, f.origin.ports)
}

func TestRelaySynthesizesHostWithExplicitPort(t *testing.T) {
	f := newFixture(t, okResponse("x"), 102400)

	_, _, err := roundTrip(t, f.uc, "GET http://example.com:8080/p HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	require.Len(t, f.origin.requests, 1)
	assert.True(t, strings.HasPrefix(f.origin.requests[0], "GET /p HTTP/1.0\r\nHost: example.com:8080\r\n"))
}

func TestRelayRejectsNonGet(t *testing.T) {
	for _, method := range []string{"POST", "HEAD", "CONNECT"} {
		t.Run(method, func(t *testing.T) {
			f := newFixture(t, okResponse("x"), 102400)

			resp, ex, err := roundTrip(t, f.uc, method+" http://example.com/ HTTP/1.0\r\n\r\n")

			var protoErr *domain.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 501 Not Implemented\r\n"))
			assert.Contains(t, resp, method)
			assert.Equal(t, 501, ex.Status)
			assert.Equal(t, 0, f.origin.dialCount())
		})
	}
}

func TestRelayAcceptsLowercaseGet(t *testing.T) {
	f := newFixture(t, okResponse("x"), 102400)

	_, _, err := roundTrip(t, f.uc, "get http://example.com/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, 1, f.origin.dialCount())
}

func TestRelayConnectFailure(t *testing.T) {
	f := newFixture(t, "", 102400)
	f.origin.dialErr = errors.New("connection refused")

	resp, ex, err := roundTrip(t, f.uc, "GET http://unreachable.example/ HTTP/1.0\r\n\r\n")

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 400 Bad Request\r\n"))
	assert.Contains(t, resp, "Content_length: ")
	assert.Contains(t, resp, "unreachable.example:80")
	assert.Equal(t, 400, ex.Status)
	assert.Equal(t, 0, f.store.Stats().Entries)
}

func TestRelayUnresolvableURI(t *testing.T) {
	f := newFixture(t, "", 102400)

	resp, _, err := roundTrip(t, f.uc, "GET http:///nohost HTTP/1.0\r\n\r\n")

	var resErr *domain.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 400 Bad Request\r\n"))
	assert.Equal(t, 0, f.origin.dialCount())
}

func TestRelayCachesAndServesHit(t *testing.T) {
	body := strings.Repeat("a", 200)
	f := newFixture(t, okResponse(body), 102400)
	request := "GET http://example.com/a.html HTTP/1.0\r\n\r\n"

	first, ex, err := roundTrip(t, f.uc, request)
	require.NoError(t, err)
	assert.Equal(t, okResponse(body), first)
	assert.Equal(t, domain.CacheMiss, ex.Cache)
	assert.True(t, ex.Stored)
	assert.True(t, f.store.Contains("http://example.com/a.html"))

	second, ex, err := roundTrip(t, f.uc, request)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, domain.CacheHit, ex.Cache)
	assert.Equal(t, 200, ex.Status)
	assert.Equal(t, 1, f.origin.dialCount(), "a hit must not contact the origin")

	snap := f.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.CacheStores)
	assert.Equal(t, 0, f.store.Stats().Pinned, "the hit must release its pin")
}

func TestRelayCacheKeyIsRawURI(t *testing.T) {
	f := newFixture(t, okResponse("body"), 102400)

	_, _, err := roundTrip(t, f.uc, "GET http://example.com/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	_, ex, err := roundTrip(t, f.uc, "GET example.com/ HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, domain.CacheMiss, ex.Cache)
	assert.Equal(t, 2, f.origin.dialCount())
}

func TestRelayEntryLimitBoundary(t *testing.T) {
	const limit = 100

	t.Run("exactly the limit is cached", func(t *testing.T) {
		f := newFixture(t, okResponse(strings.Repeat("b", limit)), limit)
		_, ex, err := roundTrip(t, f.uc, "GET http://example.com/exact HTTP/1.0\r\n\r\n")
		require.NoError(t, err)
		assert.True(t, ex.Stored)
		assert.True(t, f.store.Contains("http://example.com/exact"))
	})

	t.Run("one byte over is forwarded but not cached", func(t *testing.T) {
		body := strings.Repeat("c", limit+1)
		f := newFixture(t, okResponse(body), limit)
		request := "GET http://example.com/big HTTP/1.0\r\n\r\n"

		resp, ex, err := roundTrip(t, f.uc, request)
		require.NoError(t, err)
		assert.Equal(t, okResponse(body), resp)
		assert.False(t, ex.Stored)
		assert.False(t, f.store.Contains("http://example.com/big"))

		_, ex, err = roundTrip(t, f.uc, request)
		require.NoError(t, err)
		assert.Equal(t, domain.CacheMiss, ex.Cache)
		assert.Equal(t, 2, f.origin.dialCount())
		assert.Equal(t, int64(2), f.metrics.GetSnapshot().CacheRejects)
	})
}

func TestRelayCompletesWhileCacheIsPinnedFull(t *testing.T) {
	body := strings.Repeat("m", 50)
	f := newSizedFixture(t, okResponse(body), 100, 100)
	require.NoError(t, f.store.Put("http://example.com/pinned", []byte("h"), []byte(strings.Repeat("p", 100))))

	pinned, ok := f.store.Lookup("http://example.com/pinned")
	require.True(t, ok)
	defer pinned.Release()

	type result struct {
		resp string
		ex   *domain.Exchange
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, ex, err := roundTrip(t, f.uc, "GET http://example.com/miss HTTP/1.0\r\n\r\n")
		done <- result{resp, ex, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay waited for the pinned entry")
	}
	require.NoError(t, res.err)
	assert.Equal(t, okResponse(body), res.resp)
	assert.False(t, res.ex.Stored)
	assert.False(t, f.store.Contains("http://example.com/miss"))
	assert.Equal(t, []string{"http://example.com/pinned"}, f.store.Keys())
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().CacheRejects)
}

func TestRelayEmptyBodyNotCached(t *testing.T) {
	f := newFixture(t, "HTTP/1.0 204 No Content\r\n\r\n", 102400)

	resp, ex, err := roundTrip(t, f.uc, "GET http://example.com/empty HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0 204 No Content\r\n\r\n", resp)
	assert.Equal(t, 204, ex.Status)
	assert.False(t, ex.Stored)
	assert.Equal(t, 0, f.store.Stats().Entries)
}

func TestRelayOriginResetMidStream(t *testing.T) {
	f := newFixture(t, okResponse("partial"), 102400)
	f.origin.reset = true

	resp, ex, err := roundTrip(t, f.uc, "GET http://example.com/reset HTTP/1.0\r\n\r\n")

	var transErr *domain.TransportError
	require.ErrorAs(t, err, &transErr)
	assert.True(t, transErr.Upstream)
	assert.Equal(t, okResponse("partial"), resp, "bytes already sent are not followed by an error page")
	assert.False(t, ex.Stored)
	assert.Equal(t, 0, f.store.Stats().Entries)
}

func TestRelayOriginClosesBeforeHeaders(t *testing.T) {
	f := newFixture(t, "HTTP/1.0 200 OK\r\n", 102400)

	resp, _, err := roundTrip(t, f.uc, "GET http://example.com/trunc HTTP/1.0\r\n\r\n")

	var transErr *domain.TransportError
	require.ErrorAs(t, err, &transErr)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 400 Bad Request\r\n"))
	assert.Equal(t, 0, f.store.Stats().Entries)
}

func TestRelayClientHangsUpBeforeRequest(t *testing.T) {
	f := newFixture(t, okResponse("x"), 102400)

	ex, written, err := hangUp(t, f.uc, "")
	require.Error(t, err)
	assert.True(t, IsConnectionClosed(err))
	assert.Zero(t, written)
	assert.Empty(t, ex.Request.Method)
	assert.Equal(t, 0, f.origin.dialCount())
}

func TestRelayHeaderReadFailureIsSilent(t *testing.T) {
	f := newFixture(t, okResponse("x"), 102400)

	_, written, err := hangUp(t, f.uc, "GET http://example.com/ HTTP/1.0\r\nHost: exa")
	require.Error(t, err)
	assert.Zero(t, written)
	assert.Equal(t, 0, f.origin.dialCount())
}

func TestRelayBlockedHost(t *testing.T) {
	f := newFixture(t, okResponse("x"), 102400)
	f.uc.accessControl = &fakeAccess{blockedHost: "blocked.example"}

	resp, ex, err := roundTrip(t, f.uc, "GET http://blocked.example/ HTTP/1.0\r\n\r\n")

	var denied *domain.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 403 Forbidden\r\n"))
	assert.Equal(t, 403, ex.Status)
	assert.Equal(t, 0, f.origin.dialCount())
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().BlockedRequests)
}

func TestStatusFromHeader(t *testing.T) {
	assert.Equal(t, 200, statusFromHeader([]byte("HTTP/1.0 200 OK\r\n\r\n")))
	assert.Equal(t, 404, statusFromHeader([]byte("HTTP/1.1 404 Not Found\r\nX: y\r\n\r\n")))
	assert.Equal(t, 0, statusFromHeader([]byte("garbage\r\n\r\n")))
	assert.Equal(t, 0, statusFromHeader(nil))
}
