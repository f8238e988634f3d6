package inspector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// testEnv encapsulates a complete test environment: a mock authorization
// server, a mock MCP server, and an in-process relay wired to a flow fetcher.
type testEnv struct {
	AS      *MockAuthServer
	MCP     *MockMCPServer
	Relay   *httptest.Server
	Fetcher *RelayFetcher
	Logger  *Logger
	cleanup func()
}

// setupTestEnvironment creates a complete test environment.
func setupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()

	logger := NewLoggerWithWriter(false, false, false, io.Discard)
	mockAS := NewMockAuthServer(t)
	mockMCP := NewMockMCPServer(t, mockAS)
	relay := httptest.NewServer(NewRelayHandler(logger))

	return &testEnv{
		AS:      mockAS,
		MCP:     mockMCP,
		Relay:   relay,
		Fetcher: NewRelayFetcher(relay.URL, logger),
		Logger:  logger,
		cleanup: func() {
			relay.Close()
			mockMCP.Close()
			mockAS.Close()
		},
	}
}

// newTestFlow builds a flow against the environment's servers with automatic
// continuations disabled, so tests drive every step explicitly.
func (env *testEnv) newTestFlow(t *testing.T, cfg Config, opts ...Option) *Flow {
	t.Helper()

	if cfg.ServerURL == "" {
		cfg.ServerURL = env.MCP.URL
	}
	opts = append([]Option{WithAutoAdvance(false)}, opts...)

	flow, err := NewFlow(cfg, env.Fetcher, env.Logger, opts...)
	if err != nil {
		t.Fatalf("NewFlow failed: %v", err)
	}
	return flow
}

// authorizeAndExtractCode performs the browser leg of the flow against the
// mock authorization server and returns the code and state from the
// redirect.
func (env *testEnv) authorizeAndExtractCode(t *testing.T, authorizationURL string) (code, state string) {
	t.Helper()

	resp, err := env.AS.ClientWithoutRedirect().Get(authorizationURL)
	if err != nil {
		t.Fatalf("authorization request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 302 from authorization endpoint, got %d: %s", resp.StatusCode, body)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect location: %v", err)
	}

	return location.Query().Get("code"), location.Query().Get("state")
}

// MockAuthServer provides a mock OAuth 2.1 authorization server for testing.
type MockAuthServer struct {
	*httptest.Server
	t *testing.T

	// Configuration
	supportsPKCE               bool
	supportsClientRegistration bool
	failRegistration           bool
	rejectTokenExchange        bool
	metadataStatus             int // non-zero: handleASMetadata answers with this status
	scopesSupported            []string
	codeChallengeMethods       []string
	issuerURL                  string

	// State tracking
	mu                   sync.Mutex
	issuedCodes          map[string]string // code -> client_id
	issuedTokens         map[string]bool
	requestCount         int
	authRequestCount     int
	tokenRequestCount    int
	metadataRequestPaths []string
	registrationRequests []ClientRegistrationRequest
}

// NewMockAuthServer creates a new mock authorization server.
func NewMockAuthServer(t *testing.T) *MockAuthServer {
	t.Helper()

	mas := &MockAuthServer{
		t:                          t,
		supportsPKCE:               true,
		supportsClientRegistration: true,
		scopesSupported:            []string{"mcp:read", "mcp:write"},
		codeChallengeMethods:       []string{"S256"},
		issuedCodes:                make(map[string]string),
		issuedTokens:               make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", mas.handleASMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", mas.handleASMetadata)
	mux.HandleFunc("/authorize", mas.handleAuthorize)
	mux.HandleFunc("/token", mas.handleToken)
	mux.HandleFunc("/register", mas.handleRegister)

	mas.Server = httptest.NewServer(mux)
	mas.issuerURL = mas.URL

	return mas
}

// handleASMetadata returns authorization server metadata.
func (mas *MockAuthServer) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.metadataRequestPaths = append(mas.metadataRequestPaths, r.URL.Path)
	status := mas.metadataStatus
	mas.mu.Unlock()

	if status != 0 {
		http.Error(w, "metadata unavailable", status)
		return
	}

	metadata := &AuthorizationServerMetadata{
		Issuer:                 mas.issuerURL,
		AuthorizationEndpoint:  mas.issuerURL + "/authorize",
		TokenEndpoint:          mas.issuerURL + "/token",
		ScopesSupported:        mas.scopesSupported,
		ResponseTypesSupported: []string{responseTypeCode},
		GrantTypesSupported:    []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		CodeChallengeMethods:   mas.codeChallengeMethods,
	}

	if mas.supportsClientRegistration {
		metadata.RegistrationEndpoint = mas.issuerURL + "/register"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// handleAuthorize handles authorization requests.
func (mas *MockAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.authRequestCount++
	authCount := mas.authRequestCount
	mas.mu.Unlock()

	query := r.URL.Query()

	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	responseType := query.Get("response_type")
	state := query.Get("state")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")

	if clientID == "" || redirectURI == "" || responseType != responseTypeCode {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	if mas.supportsPKCE && (codeChallenge == "" || codeChallengeMethod != pkceMethodS256) {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	code := fmt.Sprintf("AUTH_CODE_%d", authCount)
	mas.mu.Lock()
	mas.issuedCodes[code] = clientID
	mas.mu.Unlock()

	redirectURL, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}

	params := url.Values{}
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	redirectURL.RawQuery = params.Encode()

	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// handleToken handles token requests.
func (mas *MockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.tokenRequestCount++
	tokenCount := mas.tokenRequestCount
	reject := mas.rejectTokenExchange
	mas.mu.Unlock()

	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	writeOAuthError := func(code, description string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             code,
			"error_description": description,
		})
	}

	if reject {
		writeOAuthError("invalid_grant", "token exchange disabled for this test")
		return
	}

	if r.Form.Get("grant_type") != grantTypeAuthorizationCode {
		writeOAuthError("unsupported_grant_type", "only authorization_code is supported")
		return
	}

	code := r.Form.Get("code")
	mas.mu.Lock()
	storedClientID, codeValid := mas.issuedCodes[code]
	mas.mu.Unlock()

	if !codeValid || storedClientID != r.Form.Get("client_id") {
		writeOAuthError("invalid_grant", "authorization code is invalid or expired")
		return
	}

	if mas.supportsPKCE && r.Form.Get("code_verifier") == "" {
		writeOAuthError("invalid_request", "code_verifier is required")
		return
	}

	accessToken := fmt.Sprintf("ACCESS_TOKEN_%d", tokenCount)
	mas.mu.Lock()
	mas.issuedTokens[accessToken] = true
	delete(mas.issuedCodes, code)
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        r.Form.Get("scope"),
	})
}

// handleRegister handles dynamic client registration.
func (mas *MockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	fail := mas.failRegistration
	mas.mu.Unlock()

	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}

	if fail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client_metadata"})
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	mas.registrationRequests = append(mas.registrationRequests, req)
	clientID := fmt.Sprintf("registered_client_%d", len(mas.registrationRequests))
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"client_id":      clientID,
		"client_secret":  "secret_" + clientID,
		"redirect_uris":  req.RedirectURIs,
		"grant_types":    req.GrantTypes,
		"response_types": req.ResponseTypes,
	})
}

// TokenWasIssued reports whether the server issued the given access token.
func (mas *MockAuthServer) TokenWasIssued(token string) bool {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.issuedTokens[token]
}

// TokenRequestCount returns the number of token exchange requests received.
func (mas *MockAuthServer) TokenRequestCount() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.tokenRequestCount
}

// SetMetadataStatus forces AS metadata responses to the given HTTP status;
// zero restores normal metadata service.
func (mas *MockAuthServer) SetMetadataStatus(status int) {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	mas.metadataStatus = status
}

// MetadataRequestPaths returns the discovery paths requested, in order.
func (mas *MockAuthServer) MetadataRequestPaths() []string {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]string{}, mas.metadataRequestPaths...)
}

// RegistrationRequests returns all registration requests received.
func (mas *MockAuthServer) RegistrationRequests() []ClientRegistrationRequest {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]ClientRegistrationRequest{}, mas.registrationRequests...)
}

// ClientWithoutRedirect returns an HTTP client that doesn't follow redirects.
func (mas *MockAuthServer) ClientWithoutRedirect() *http.Client {
	client := mas.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

// MockMCPServer provides a mock MCP server for testing. Tokens issued by the
// linked authorization server are accepted as valid.
type MockMCPServer struct {
	*httptest.Server
	t *testing.T

	authServer     *MockAuthServer
	requireAuth    bool
	requiredScopes []string

	// challengeMetadataPath is the resource_metadata path advertised in the
	// WWW-Authenticate challenge.
	challengeMetadataPath string

	mu                sync.Mutex
	requestCount      int
	authorizedHeaders []string
}

// NewMockMCPServer creates a new mock MCP server protected by authServer.
func NewMockMCPServer(t *testing.T, authServer *MockAuthServer) *MockMCPServer {
	t.Helper()

	mms := &MockMCPServer{
		t:                     t,
		authServer:            authServer,
		requireAuth:           true,
		requiredScopes:        []string{"mcp:read"},
		challengeMetadataPath: "/.well-known/oauth-protected-resource",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", mms.handleResourceMetadata)
	mux.HandleFunc("/custom/resource-metadata", mms.handleResourceMetadata)
	mux.HandleFunc("/", mms.handleRequest)

	mms.Server = httptest.NewServer(mux)
	return mms
}

// handleResourceMetadata returns protected resource metadata.
func (mms *MockMCPServer) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	mms.mu.Lock()
	mms.requestCount++
	mms.mu.Unlock()

	metadata := &ProtectedResourceMetadata{
		Resource:               mms.URL,
		AuthorizationServers:   []string{mms.authServer.URL},
		ScopesSupported:        []string{"mcp:read", "mcp:write"},
		BearerMethodsSupported: []string{"header"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// handleRequest handles MCP requests with auth validation.
func (mms *MockMCPServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	mms.mu.Lock()
	mms.requestCount++
	mms.mu.Unlock()

	if mms.requireAuth {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer resource_metadata="%s%s", scope="%s"`,
				mms.URL,
				mms.challengeMetadataPath,
				strings.Join(mms.requiredScopes, " "),
			))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if !mms.authServer.TokenWasIssued(token) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
			return
		}

		mms.mu.Lock()
		mms.authorizedHeaders = append(mms.authorizedHeaders, authHeader)
		mms.mu.Unlock()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"result":  map[string]string{"status": "ok"},
		"id":      1,
	})
}

// AuthorizedHeaders returns the Authorization headers of accepted requests.
func (mms *MockMCPServer) AuthorizedHeaders() []string {
	mms.mu.Lock()
	defer mms.mu.Unlock()
	return append([]string{}, mms.authorizedHeaders...)
}
