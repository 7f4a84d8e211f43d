// Package httpclient defines the HttpClient capability interface the
// SyncReconciler and AuthTokens use to talk to the remote service (spec
// §6.2), and a default implementation backed by net/http. Transport
// concerns — TLS, connection pooling — are deliberately left to the
// default Go transport; this package only fixes request/response shapes
// and timeouts (spec §1 scope).
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// Request is a transport-agnostic HTTP request description.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a transport-agnostic HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client is the capability interface consumed by services/sync and
// services/auth.
type Client interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Default wraps *http.Client with the connect/total timeouts spec §5
// prescribes for remote sync calls (connect 5s, total 30s).
type Default struct {
	httpClient *http.Client
}

// New builds the default client. totalTimeout bounds the whole
// request/response round trip; spec §5 default is 30s.
func New(totalTimeout time.Duration) *Default {
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	return &Default{httpClient: &http.Client{Timeout: totalTimeout, Transport: transport}}
}

// Do implements Client.
func (d *Default) Do(ctx context.Context, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader(req.Body))
	if err != nil {
		return Response{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	return Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

