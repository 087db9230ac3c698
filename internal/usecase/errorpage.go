package usecase

import (
	"fmt"
	"io"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// WriteErrorPage はHTMLのエラーページをクライアントに送る.
func WriteErrorPage(w io.Writer, page domain.ErrorPage) (int64, error) {
	body := "<html><title>Proxy Error</title>" +
		"<body bgcolor=\"ffffff\">\r\n" +
		fmt.Sprintf("%d: %s\r\n", page.Status, page.Short) +
		fmt.Sprintf("<p>%s: %s\r\n", page.Long, page.Cause) +
		"<hr><em>The Proxy Server</em>\r\n"

	resp := fmt.Sprintf("HTTP/1.0 %d %s\r\n", page.Status, page.Short) +
		"Content-type: text/html\r\n" +
		fmt.Sprintf("Content_length: %d\r\n\r\n", len(body)) +
		body

	n, err := io.WriteString(w, resp)
	return int64(n), err
}
