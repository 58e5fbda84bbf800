package tap

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that publishes copies of request and
// response bodies to a Hub. The request and response seen by the caller are
// otherwise untouched.
type Transport struct {
	Base http.RoundTripper
	Hub  *Hub
	// Kind is the kind used for response events, KindFetchResponse if empty.
	Kind Kind
}

// NewClient returns an http.Client whose traffic is observed by hub.
func NewClient(hub *Hub, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Base: http.DefaultTransport, Hub: hub},
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("tap: read request body: %w", err)
		}
		// Clone so the caller's request is not mutated, as RoundTripper requires.
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		t.Hub.Publish(Event{Kind: KindRequest, URL: req.URL.String(), Data: body})
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("tap: read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	kind := t.Kind
	if kind == "" {
		kind = KindFetchResponse
	}
	if resp.StatusCode < http.StatusBadRequest {
		t.Hub.Publish(Event{Kind: kind, URL: req.URL.String(), Data: body})
	}
	return resp, nil
}
