package usecase

import (
	"strconv"
	"strings"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// ResolveURI はリクエストURIをホスト、ポート、パスに分解する.
// 絶対形式 (scheme://host[:port]/path) とスキーム無しの形式 (host[:port]/path) を受け付ける.
// ポートが無い場合は domain.NoPort を返し、既定値の適用は呼び出し側が行う.
func ResolveURI(uri string) (domain.Target, error) {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+len("://"):]
	} else {
		rest = strings.TrimPrefix(rest, "//")
	}

	hostport, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}

	target := domain.Target{Path: path, Port: domain.NoPort}

	var portStr string
	switch {
	case strings.HasPrefix(hostport, "["):
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return domain.Target{}, &domain.ResolutionError{URI: uri, Reason: "unterminated IPv6 literal"}
		}
		target.Host = hostport[1:end]
		if tail := hostport[end+1:]; tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return domain.Target{}, &domain.ResolutionError{URI: uri, Reason: "unexpected text after host"}
			}
			portStr = tail[1:]
		}
	default:
		target.Host = hostport
		if i := strings.IndexByte(hostport, ':'); i >= 0 {
			target.Host, portStr = hostport[:i], hostport[i+1:]
		}
	}

	if target.Host == "" {
		return domain.Target{}, &domain.ResolutionError{URI: uri, Reason: "missing host"}
	}

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return domain.Target{}, &domain.ResolutionError{URI: uri, Reason: "invalid port " + strconv.Quote(portStr)}
		}
		target.Port = port
	}

	return target, nil
}
