package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Response es lo que el clasificador necesita de la respuesta remota.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Transport envía un request ya firmado.
type Transport interface {
	Send(ctx context.Context, url string, header http.Header, body []byte) (*Response, error)
}

// TransportFunc adapta una función a Transport.
type TransportFunc func(ctx context.Context, url string, header http.Header, body []byte) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, url string, header http.Header, body []byte) (*Response, error) {
	return f(ctx, url, header, body)
}

var errBadURL = errors.New("invalid target URL")

// HTTPTransport hace POST con net/http. No sigue redirects: un 3xx se
// clasifica como permanente en lugar de re-enviar un body firmado para otro
// destino.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport crea el transport con timeout por request.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &HTTPTransport{Client: &http.Client{
		Transport: tr,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (t *HTTPTransport) Send(ctx context.Context, url string, header http.Header, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadURL, err)
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if h := header.Get("Host"); h != "" {
		req.Host = h
		req.Header.Del("Host")
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}
