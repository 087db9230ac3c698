package usecase

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// オリジンへ送る固定ヘッダ
const (
	userAgentHeader       = "User-Agent: Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3\r\n"
	acceptHeader          = "Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8\r\n"
	acceptEncodingHeader  = "Accept-Encoding: gzip, deflate\r\n"
	connectionHeader      = "Connection: close\r\n"
	proxyConnectionHeader = "Proxy-Connection: close\r\n"
)

// maxHeaderLines はヘッダブロックの最大行数.
const maxHeaderLines = 256

var (
	errLineTooLong    = errors.New("line too long")
	errTooManyHeaders = errors.New("too many header lines")
)

// BuildRequestLine はオリジンへ送るリクエスト行を作成する.
func BuildRequestLine(path string) []byte {
	return []byte("GET " + path + " HTTP/1.0\r\n")
}

// BuildRequestHeaders はオリジンへ送るヘッダブロックを作成する.
// クライアントのヘッダは Host 以外は転送しない.
func BuildRequestHeaders(host string, hasHost bool) []byte {
	var buf bytes.Buffer
	if hasHost {
		buf.WriteString("Host: " + host + "\r\n")
	}
	buf.WriteString(userAgentHeader)
	buf.WriteString(acceptHeader)
	buf.WriteString(acceptEncodingHeader)
	buf.WriteString(connectionHeader)
	buf.WriteString(proxyConnectionHeader)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// ReadRequestHeaders は空行までクライアントのヘッダを読み込み、Host の値を取り出す.
func ReadRequestHeaders(br *bufio.Reader, maxLine int) (hasHost bool, host string, err error) {
	for n := 0; ; n++ {
		if n >= maxHeaderLines {
			return false, "", errTooManyHeaders
		}
		line, err := readLine(br, maxLine)
		if err != nil {
			return false, "", err
		}
		if isBlankLine(line) {
			return hasHost, host, nil
		}

		name, value, ok := strings.Cut(string(line), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Host") {
			continue
		}
		if fields := strings.Fields(value); len(fields) > 0 {
			hasHost, host = true, fields[0]
		}
	}
}

// ReadResponseHeaders はオリジンのレスポンスヘッダを空行まで読み込み、そのままの形で返す.
func ReadResponseHeaders(br *bufio.Reader, maxLine int) ([]byte, error) {
	var block []byte
	for n := 0; ; n++ {
		if n >= maxHeaderLines {
			return nil, errTooManyHeaders
		}
		line, err := readLine(br, maxLine)
		if err != nil {
			return nil, err
		}
		block = append(block, line...)
		if isBlankLine(line) {
			return block, nil
		}
	}
}

// readLine は改行までの1行を行末込みで読み込む.
func readLine(br *bufio.Reader, maxLine int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLine {
			return nil, errLineTooLong
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func isBlankLine(line []byte) bool {
	return bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))
}
