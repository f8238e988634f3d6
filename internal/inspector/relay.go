package inspector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// Per-remote request rate for the bundled relay
	relayRateLimit = rate.Limit(10)
	relayRateBurst = 20

	// Timeout for target requests executed by the relay
	relayTargetTimeout = 30 * time.Second
)

// RelayHandler is the backend half of the proxy fetch adapter: it accepts a
// serialized ProxyRequest, executes it against the target server, and
// answers with a normalized ProxyResponse. Bundling it keeps the CLI
// self-contained and gives tests the real wire shape.
type RelayHandler struct {
	logger *Logger
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRelayHandler creates a relay handler with per-remote rate limiting.
func NewRelayHandler(logger *Logger) *RelayHandler {
	return &RelayHandler{
		logger:   logger,
		client:   &http.Client{Timeout: relayTargetTimeout},
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the rate limiter for a remote address, creating it on
// first use.
func (h *RelayHandler) limiterFor(remoteAddr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(relayRateLimit, relayRateBurst)
		h.limiters[host] = limiter
	}
	return limiter
}

// ServeHTTP implements the relay contract: POST {url, method, headers, body}
// in, {status, statusText, headers, body} out. Only the relay's own
// failures produce non-200 relay statuses; target failures are reported
// inside a 200 relay response.
func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "relay accepts POST only", http.StatusMethodNotAllowed)
		return
	}

	if !h.limiterFor(r.RemoteAddr).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var proxyReq ProxyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRelayBodySize)).Decode(&proxyReq); err != nil {
		http.Error(w, fmt.Sprintf("invalid relay request: %v", err), http.StatusBadRequest)
		return
	}

	if proxyReq.URL == "" || proxyReq.Method == "" {
		http.Error(w, "relay request requires url and method", http.StatusBadRequest)
		return
	}

	resp, err := h.execute(r, &proxyReq)
	if err != nil {
		h.logger.WarningVerbose("Relay target request failed: %v", err)
		http.Error(w, fmt.Sprintf("target request failed: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.WarningVerbose("Failed to encode relay response: %v", err)
	}
}

// execute performs the target request described by proxyReq.
func (h *RelayHandler) execute(r *http.Request, proxyReq *ProxyRequest) (*ProxyResponse, error) {
	contentType := ""
	for k, v := range proxyReq.Headers {
		if strings.EqualFold(k, "Content-Type") {
			contentType = v
			break
		}
	}

	bodyBytes, err := EncodeBody(contentType, proxyReq.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode target body: %w", err)
	}

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(r.Context(), proxyReq.Method, proxyReq.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build target request: %w", err)
	}

	for k, v := range proxyReq.Headers {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	h.logger.InfoVerbose("Relay executing %s %s", proxyReq.Method, proxyReq.URL)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read target response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &ProxyResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       NormalizeBody(resp.Header.Get("Content-Type"), raw),
	}, nil
}
