package inspector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// Maximum size accepted for relayed response bodies (2MB)
	maxRelayBodySize = 2 * 1024 * 1024

	// HTTP timeout for relay round trips
	relayRequestTimeout = 30 * time.Second

	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// ProxyRequest describes an outbound HTTP request to be executed by the
// relay on the inspector's behalf.
type ProxyRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

// ProxyResponse is the normalized shape of a target server's response,
// regardless of its content type.
type ProxyResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       interface{}       `json:"body,omitempty"`
}

// OK reports whether the target responded with a 2xx status.
func (r *ProxyResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Header returns a response header value using case-insensitive lookup.
func (r *ProxyResponse) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// BodyString renders the normalized body for display or error messages.
func (r *ProxyResponse) BodyString() string {
	switch b := r.Body.(type) {
	case nil:
		return ""
	case string:
		return b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Sprintf("%v", b)
		}
		return string(data)
	}
}

// RelayError indicates the relay itself (not the target server) failed:
// the relay endpoint was unreachable or answered the relay transport with a
// non-2xx status. A non-2xx *target* response is not a RelayError; it is
// returned as a ProxyResponse with OK() == false.
type RelayError struct {
	// Status is the relay transport status, 0 when the relay was unreachable
	Status int

	// Err is the underlying transport error, if any
	Err error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay transport failure: %v", e.Err)
	}
	return fmt.Sprintf("relay transport failure: relay responded with status %d", e.Status)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Fetcher executes normalized HTTP requests on behalf of the flow. The
// production implementation routes through a relay endpoint; tests stub it.
type Fetcher interface {
	Fetch(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
}

// RelayFetcher routes outbound requests through a backend relay endpoint so
// the flow observes exactly what a CORS-restricted browser client would. The
// whole target request is serialized into a single POST to the relay.
type RelayFetcher struct {
	relayURL string
	client   *http.Client
	logger   *Logger
}

// NewRelayFetcher creates a fetcher bound to a relay endpoint URL.
func NewRelayFetcher(relayURL string, logger *Logger) *RelayFetcher {
	return &RelayFetcher{
		relayURL: relayURL,
		client:   &http.Client{Timeout: relayRequestTimeout},
		logger:   logger,
	}
}

// Fetch serializes req to the relay and reconstructs the target's response.
func (f *RelayFetcher) Fetch(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.relayURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)

	f.logger.Debug("Relaying %s %s", req.Method, req.URL)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &RelayError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &RelayError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBodySize))
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to read relay response: %w", err)}
	}

	var proxyResp ProxyResponse
	if err := json.Unmarshal(body, &proxyResp); err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to parse relay response: %w", err)}
	}

	return &proxyResp, nil
}

// NormalizeBody parses a raw body according to its declared content type:
// JSON becomes a decoded value, form-urlencoded becomes a flat key/value
// map, everything else passes through as text. Parse failures fall back to
// the raw text rather than erroring; the walkthrough displays whatever the
// server actually sent.
func NormalizeBody(contentType string, raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, contentTypeJSON):
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return string(raw)
		}
		return v
	case strings.Contains(ct, contentTypeForm):
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return string(raw)
		}
		flat := make(map[string]string, len(values))
		for k := range values {
			flat[k] = values.Get(k)
		}
		return flat
	default:
		return string(raw)
	}
}

// EncodeBody is the inverse of NormalizeBody: it serializes a normalized
// body for the wire according to the request's declared content type.
func EncodeBody(contentType string, body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, contentTypeForm):
		switch b := body.(type) {
		case string:
			return []byte(b), nil
		case map[string]string:
			values := url.Values{}
			for k, v := range b {
				values.Set(k, v)
			}
			return []byte(values.Encode()), nil
		case map[string]interface{}:
			// JSON round trips through the relay turn string maps into this.
			values := url.Values{}
			for k, v := range b {
				values.Set(k, fmt.Sprintf("%v", v))
			}
			return []byte(values.Encode()), nil
		default:
			return nil, fmt.Errorf("unsupported form body type %T", body)
		}
	case strings.Contains(ct, contentTypeJSON):
		return json.Marshal(body)
	default:
		if s, ok := body.(string); ok {
			return []byte(s), nil
		}
		return json.Marshal(body)
	}
}
