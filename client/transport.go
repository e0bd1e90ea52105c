package client

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	tk "github.com/sitebook/tokenkeeper"
)

var transportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenkeeper_transport_retries_total",
	Help: "Authorization failures seen by the transport, by what happened next.",
}, []string{"result"})

// TokenSource is what the Transport needs from the lifecycle manager
type TokenSource interface {
	// Current returns the current credential without refreshing
	Current() *tk.Credential

	// AwaitRefresh joins or starts a coalesced refresh
	AwaitRefresh(ctx context.Context) (*tk.Credential, error)
}

// Transport wraps an http.RoundTripper to add Authorization headers and to
// retry a request once after refreshing when it fails authorization.
type Transport struct {
	Source TokenSource
	Base   http.RoundTripper

	// IsUnauthorized reports an authorization failure. Defaults to status 401.
	IsUnauthorized func(*http.Response) bool

	Logger *zap.Logger
}

// attempt carries the retry count with the request instead of marking the request itself
type attempt struct {
	n   int
	req *http.Request
}

// NewTransport creates a Transport over base (http.DefaultTransport when nil)
func NewTransport(src TokenSource, base http.RoundTripper) *Transport {
	return &Transport{Source: src, Base: base}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req, err := replayable(req)
	if err != nil {
		return nil, err
	}
	return t.send(attempt{req: req})
}

func (t *Transport) send(a attempt) (*http.Response, error) {
	sent := t.Source.Current()
	resp, err := t.base().RoundTrip(authorize(a.req, sent))
	if err != nil {
		return nil, err
	}
	if a.n > 0 || !t.unauthorized(resp) {
		return resp, nil
	}

	// Retry only when a newer token is available and the body can be sent
	// again; otherwise the original 401 goes back to the caller untouched.
	next, err := t.renewed(a.req.Context(), sent)
	if err != nil || next == nil {
		transportRetries.WithLabelValues("refresh_failed").Inc()
		t.logger().Debug("refresh after 401 failed", zap.String("url", a.req.URL.Redacted()), zap.Error(err))
		return resp, nil
	}
	retry, err := rewind(a.req)
	if err != nil {
		transportRetries.WithLabelValues("not_replayable").Inc()
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	transportRetries.WithLabelValues("retried").Inc()
	return t.send(attempt{n: a.n + 1, req: retry})
}

// renewed returns a credential newer than sent, joining a refresh only when
// nobody has replaced sent yet
func (t *Transport) renewed(ctx context.Context, sent *tk.Credential) (*tk.Credential, error) {
	if cur := t.Source.Current(); cur != nil && sent != nil && cur.AccessToken != sent.AccessToken {
		return cur, nil
	}
	return t.Source.AwaitRefresh(ctx)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) unauthorized(resp *http.Response) bool {
	if t.IsUnauthorized != nil {
		return t.IsUnauthorized(resp)
	}
	return resp.StatusCode == http.StatusUnauthorized
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// authorize returns a clone of req carrying cred, or req itself when there is no credential
func authorize(req *http.Request, cred *tk.Credential) *http.Request {
	if cred == nil || cred.AccessToken == "" {
		return req
	}
	// Clone the request to avoid mutating the original
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", cred.AuthorizationValue())
	return out
}

// replayable makes sure the request body can be produced a second time
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, nil
}

// rewind returns a copy of req with a fresh body
func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}
