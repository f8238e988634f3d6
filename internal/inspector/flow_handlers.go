package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2"
)

// initializeParams is the MCP initialize request parameter shape, built from
// mcp-go's protocol types.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

// buildInitializePayload constructs the JSON-RPC initialize request sent to
// the MCP server, both for the unauthenticated probe and the authenticated
// replay.
func buildInitializePayload(version ProtocolVersion, clientName string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      1,
		"method":  methodInitialize,
		"params": initializeParams{
			ProtocolVersion: string(version),
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
		},
	}
}

// mcpHeaders builds the header set for requests to the MCP server itself,
// merging in the operator's custom headers.
func (f *Flow) mcpHeaders(bearerToken string) map[string]string {
	headers := map[string]string{
		"Content-Type": contentTypeJSON,
		"Accept":       "application/json, text/event-stream",
	}
	for k, v := range f.cfg.CustomHeaders {
		headers[k] = v
	}
	if bearerToken != "" {
		headers["Authorization"] = "Bearer " + bearerToken
	}
	return headers
}

// metadataHeaders builds the header set for well-known metadata fetches.
func metadataHeaders() map[string]string {
	return map[string]string{"Accept": contentTypeJSON}
}

// decodeInto re-decodes a relay-normalized JSON body into a typed value.
func decodeInto(body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to re-encode response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// executePending executes the most recent pending request recorded for a
// step and attaches the response to its history entry. A retried step whose
// previous attempt already consumed its entry gets a fresh one with the
// same request, so every request/response pair stays intact in the ledger.
func (f *Flow) executePending(ctx context.Context, gen int, step Step) (*ProxyResponse, error) {
	snap := f.currentState()

	var entry *HTTPHistoryEntry
	for i := len(snap.HTTPHistory) - 1; i >= 0; i-- {
		if snap.HTTPHistory[i].Step == step && snap.HTTPHistory[i].Response == nil {
			entry = &snap.HTTPHistory[i]
			break
		}
	}
	if entry == nil {
		for i := len(snap.HTTPHistory) - 1; i >= 0; i-- {
			if snap.HTTPHistory[i].Step == step {
				retry := snap.HTTPHistory[i]
				fresh := HTTPHistoryEntry{Step: step, Request: retry.Request}
				f.apply(gen, func(s *FlowState) {
					fresh.ID = appendHistory(s, step, retry.Request)
				})
				entry = &fresh
				break
			}
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("no pending request recorded for step %s", step)
	}

	resp, err := f.fetcher.Fetch(ctx, &ProxyRequest{
		URL:     entry.Request.URL,
		Method:  entry.Request.Method,
		Headers: entry.Request.Headers,
		Body:    entry.Request.Body,
	})
	if err != nil {
		return nil, err
	}

	f.apply(gen, func(s *FlowState) {
		attachResponse(s, entry.ID, resp)
	})
	return resp, nil
}

// pendingRequestTargets reports whether the most recent pending entry for a
// step targets the given URL. Multi-candidate steps use it to decide whether
// the next fetch needs a fresh pending entry, so that a retried pass probes
// candidates in their original priority order instead of re-executing
// whichever request happened to be recorded last.
func (f *Flow) pendingRequestTargets(step Step, url string) bool {
	snap := f.currentState()
	for i := len(snap.HTTPHistory) - 1; i >= 0; i-- {
		entry := snap.HTTPHistory[i]
		if entry.Step == step && entry.Response == nil {
			return entry.Request.URL == url
		}
	}
	return false
}

// resourceURI derives the RFC 8707 resource parameter value for this flow.
// Profiles that mandate the parameter turn a derivation failure into an
// error; earlier revisions include it opportunistically.
func (f *Flow) resourceURI() (string, error) {
	uri, err := DeriveResourceURI(f.cfg.ServerURL)
	if err != nil {
		if f.profile.RequireResourceParam {
			return "", fmt.Errorf("MCP %s requires the RFC 8707 resource parameter but it could not be derived: %w", f.profile.Version, err)
		}
		return "", nil
	}
	return uri, nil
}

// handleIdle constructs the unauthenticated initialize request that opens
// the walkthrough.
func (f *Flow) handleIdle(ctx context.Context, gen int) (stepOutcome, error) {
	req := HTTPRequestRecord{
		Method:  "POST",
		URL:     f.cfg.ServerURL,
		Headers: f.mcpHeaders(""),
		Body:    buildInitializePayload(f.profile.Version, f.cfg.ServerName),
	}

	f.apply(gen, func(s *FlowState) {
		appendHistory(s, StepRequestWithoutToken, req)
	})

	f.logger.Info("Sending unauthenticated initialize request to %s", f.cfg.ServerURL)
	return stepOutcome{next: StepRequestWithoutToken, schedule: true}, nil
}

// handleRequestWithoutToken executes the unauthenticated probe and expects
// a 401 carrying a WWW-Authenticate challenge.
func (f *Flow) handleRequestWithoutToken(ctx context.Context, gen int) (stepOutcome, error) {
	resp, err := f.executePending(ctx, gen, StepRequestWithoutToken)
	if err != nil {
		return stepOutcome{}, err
	}

	if resp.OK() {
		return stepOutcome{}, fmt.Errorf("server accepted the unauthenticated request (status %d); it does not appear to be protected by OAuth", resp.Status)
	}
	if resp.Status != 401 {
		return stepOutcome{}, fmt.Errorf("expected 401 Unauthorized from the unauthenticated request, got %d %s", resp.Status, resp.StatusText)
	}

	header := resp.Header("WWW-Authenticate")
	var challenge *WWWAuthenticateChallenge
	if header != "" {
		challenge, err = ParseWWWAuthenticate(header)
		if err != nil {
			f.logger.WarningVerbose("Failed to parse WWW-Authenticate header: %v", err)
		}
	}

	f.apply(gen, func(s *FlowState) {
		s.WWWAuthenticateHeader = header
		if challenge != nil && challenge.ResourceMetadataURL != "" {
			s.ResourceMetadataURL = challenge.ResourceMetadataURL
		}
		appendInfoLog(s, "www-authenticate-challenge", "Received 401 with WWW-Authenticate challenge", map[string]interface{}{
			"header":    header,
			"challenge": challenge,
		})
	})

	f.logger.Success("Received 401 Unauthorized with WWW-Authenticate challenge")
	return stepOutcome{next: StepReceived401}, nil
}

// handleReceived401 constructs the protected resource metadata request. The
// resource_metadata URL from the challenge wins; the RFC 9728 well-known
// URL is only a fallback.
func (f *Flow) handleReceived401(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()

	metadataURL := snap.ResourceMetadataURL
	if metadataURL == "" {
		built, err := BuildResourceMetadataURL(f.cfg.ServerURL)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("failed to build resource metadata URL: %w", err)
		}
		metadataURL = built
	}

	f.apply(gen, func(s *FlowState) {
		s.ResourceMetadataURL = metadataURL
		appendHistory(s, StepRequestResourceMetadata, HTTPRequestRecord{
			Method:  "GET",
			URL:     metadataURL,
			Headers: metadataHeaders(),
		})
	})

	f.logger.Info("Fetching protected resource metadata from %s", metadataURL)
	return stepOutcome{next: StepRequestResourceMetadata, schedule: true}, nil
}

// handleRequestResourceMetadata executes the RFC 9728 metadata fetch and
// selects an authorization server from the result.
func (f *Flow) handleRequestResourceMetadata(ctx context.Context, gen int) (stepOutcome, error) {
	resp, err := f.executePending(ctx, gen, StepRequestResourceMetadata)
	if err != nil {
		return stepOutcome{}, err
	}

	if !resp.OK() {
		return stepOutcome{}, fmt.Errorf("resource metadata request failed with status %d %s", resp.Status, resp.StatusText)
	}

	var metadata ProtectedResourceMetadata
	if err := decodeInto(resp.Body, &metadata); err != nil {
		return stepOutcome{}, fmt.Errorf("invalid resource metadata: %w", err)
	}
	if err := metadata.Validate(); err != nil {
		return stepOutcome{}, fmt.Errorf("invalid resource metadata: %w", err)
	}

	authServer, err := SelectAuthorizationServer(&metadata, f.cfg.PreferredAuthServer)
	if err != nil {
		return stepOutcome{}, err
	}

	f.apply(gen, func(s *FlowState) {
		s.ResourceMetadata = &metadata
		s.AuthServerURL = authServer
		appendInfoLog(s, "authorization-server-selected", "Selected authorization server", map[string]interface{}{
			"authorization_server":  authServer,
			"authorization_servers": metadata.AuthorizationServers,
		})
	})

	f.logger.Success("Discovered protected resource metadata; authorization server: %s", authServer)
	return stepOutcome{next: StepReceivedResourceMetadata}, nil
}

// handleReceivedResourceMetadata constructs the AS metadata discovery probe
// for the first candidate URL, recording the full ordered candidate list.
func (f *Flow) handleReceivedResourceMetadata(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()

	candidates, err := BuildAuthServerMetadataURLs(snap.AuthServerURL, f.profile.Version)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to build AS metadata URLs: %w", err)
	}

	f.apply(gen, func(s *FlowState) {
		appendInfoLog(s, "as-discovery-candidates", "Authorization server metadata discovery order", candidates)
		appendHistory(s, StepRequestAuthServerMetadata, HTTPRequestRecord{
			Method:  "GET",
			URL:     candidates[0],
			Headers: metadataHeaders(),
		})
	})

	f.logger.Info("Probing %d AS metadata discovery URLs", len(candidates))
	return stepOutcome{next: StepRequestAuthServerMetadata, schedule: true}, nil
}

// handleRequestAuthServerMetadata tries the discovery candidates strictly in
// order: the first 2xx wins, a 4xx moves on to the next candidate, and a
// 5xx becomes the error of record if no later candidate succeeds. A retried
// pass starts over from the highest-priority candidate, so each iteration
// re-arms its own pending entry unless one already targets that URL.
func (f *Flow) handleRequestAuthServerMetadata(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()

	candidates, err := BuildAuthServerMetadataURLs(snap.AuthServerURL, f.profile.Version)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to build AS metadata URLs: %w", err)
	}

	var errOfRecord error
	for i, candidate := range candidates {
		if !f.pendingRequestTargets(StepRequestAuthServerMetadata, candidate) {
			f.apply(gen, func(s *FlowState) {
				appendHistory(s, StepRequestAuthServerMetadata, HTTPRequestRecord{
					Method:  "GET",
					URL:     candidate,
					Headers: metadataHeaders(),
				})
			})
		}

		f.logger.InfoVerbose("Trying AS metadata URL (%d/%d): %s", i+1, len(candidates), candidate)

		resp, err := f.executePending(ctx, gen, StepRequestAuthServerMetadata)
		if err != nil {
			return stepOutcome{}, err
		}

		if resp.OK() {
			return f.acceptAuthServerMetadata(gen, candidate, resp)
		}

		if resp.Status >= 500 {
			errOfRecord = fmt.Errorf("AS metadata request to %s failed with status %d %s", candidate, resp.Status, resp.StatusText)
		}
	}

	if errOfRecord != nil {
		return stepOutcome{}, errOfRecord
	}
	return stepOutcome{}, fmt.Errorf("no authorization server metadata found at any discovery URL")
}

// acceptAuthServerMetadata validates a successful discovery response and
// stores the metadata. Missing S256 support is fatal only for profiles that
// require PKCE.
func (f *Flow) acceptAuthServerMetadata(gen int, sourceURL string, resp *ProxyResponse) (stepOutcome, error) {
	var metadata AuthorizationServerMetadata
	if err := decodeInto(resp.Body, &metadata); err != nil {
		return stepOutcome{}, fmt.Errorf("invalid AS metadata from %s: %w", sourceURL, err)
	}
	if err := metadata.Validate(); err != nil {
		return stepOutcome{}, fmt.Errorf("invalid AS metadata from %s: %w", sourceURL, err)
	}
	if err := ValidatePKCECapability(&metadata, f.profile, f.logger); err != nil {
		return stepOutcome{}, err
	}

	f.apply(gen, func(s *FlowState) {
		s.AuthServerMetadata = &metadata
		appendInfoLog(s, "as-metadata-discovered", "Discovered authorization server metadata", map[string]interface{}{
			"source_url":             sourceURL,
			"issuer":                 metadata.Issuer,
			"authorization_endpoint": metadata.AuthorizationEndpoint,
			"token_endpoint":         metadata.TokenEndpoint,
			"registration_endpoint":  metadata.RegistrationEndpoint,
		})
	})

	f.logger.Success("Discovered AS metadata from %s", sourceURL)
	return stepOutcome{next: StepReceivedAuthServerMeta}, nil
}

// handleReceivedAuthServerMetadata resolves the client identity according
// to the registration strategy. DCR constructs a registration request; CIMD
// and preregistered resolve locally and skip to PKCE generation, as does
// DCR when the server advertises no registration endpoint.
func (f *Flow) handleReceivedAuthServerMetadata(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()
	if snap.AuthServerMetadata == nil {
		return stepOutcome{}, fmt.Errorf("authorization server metadata not available")
	}

	switch f.strategy {
	case StrategyDCR:
		endpoint := snap.AuthServerMetadata.RegistrationEndpoint
		if endpoint == "" {
			clientID := syntheticClientID()
			f.logger.Warning("Authorization server advertises no registration_endpoint; continuing with synthetic client id %s", clientID)
			f.apply(gen, func(s *FlowState) {
				s.ClientID = clientID
				appendInfoLog(s, "dcr-endpoint-missing", "No registration endpoint; using synthetic client id", clientID)
			})
			return stepOutcome{next: StepGeneratePKCE}, nil
		}

		challenge := f.parsedChallenge(snap)
		scopes := selectScopes(f.cfg.CustomScopes, challenge, snap.ResourceMetadata)
		regReq := buildRegistrationRequest(f.cfg.ServerName, f.cfg.RedirectURL, strings.Join(scopes, " "))

		f.apply(gen, func(s *FlowState) {
			appendHistory(s, StepRequestClientRegistration, HTTPRequestRecord{
				Method:  "POST",
				URL:     endpoint,
				Headers: map[string]string{"Content-Type": contentTypeJSON, "Accept": contentTypeJSON},
				Body:    regReq,
			})
		})

		f.logger.Info("Registering client dynamically at %s", endpoint)
		return stepOutcome{next: StepRequestClientRegistration, schedule: true}, nil

	case StrategyCIMD:
		clientID, err := resolveClientMetadataURL(f.cfg.ClientMetadataURL)
		if err != nil {
			return stepOutcome{}, err
		}
		f.apply(gen, func(s *FlowState) {
			s.ClientID = clientID
			appendInfoLog(s, "cimd-client-id", "Using Client ID Metadata Document URL as client_id; the authorization server fetches and validates this document during authorization", clientID)
		})
		f.logger.Info("Using CIMD client_id: %s", clientID)
		return stepOutcome{next: StepGeneratePKCE}, nil

	case StrategyPreregistered:
		clientID := f.cfg.ClientID
		if clientID == "" {
			clientID = syntheticClientID()
		}
		f.apply(gen, func(s *FlowState) {
			s.ClientID = clientID
			s.ClientSecret = f.cfg.ClientSecret
			appendInfoLog(s, "preregistered-client", "Using preregistered client id", clientID)
		})
		f.logger.Info("Using preregistered client id: %s", clientID)
		return stepOutcome{next: StepGeneratePKCE}, nil

	default:
		return stepOutcome{}, fmt.Errorf("unknown registration strategy %q", f.strategy)
	}
}

// handleRequestClientRegistration executes the DCR POST. A failure falls
// back to a synthetic preregistered client id unless the flow is configured
// to abort instead.
func (f *Flow) handleRequestClientRegistration(ctx context.Context, gen int) (stepOutcome, error) {
	resp, err := f.executePending(ctx, gen, StepRequestClientRegistration)
	if err != nil {
		return f.registrationFailure(gen, fmt.Errorf("dynamic client registration failed: %w", err))
	}

	if !resp.OK() {
		return f.registrationFailure(gen, fmt.Errorf("dynamic client registration failed with status %d %s: %s", resp.Status, resp.StatusText, resp.BodyString()))
	}

	var reg ClientRegistrationResponse
	if err := decodeInto(resp.Body, &reg); err != nil {
		return f.registrationFailure(gen, fmt.Errorf("invalid registration response: %w", err))
	}
	if reg.ClientID == "" {
		return f.registrationFailure(gen, fmt.Errorf("registration response missing client_id"))
	}

	f.apply(gen, func(s *FlowState) {
		s.ClientID = reg.ClientID
		s.ClientSecret = reg.ClientSecret
		appendInfoLog(s, "client-registered", "Dynamic client registration succeeded", reg.ClientID)
	})

	f.logger.Success("Registered client: %s", reg.ClientID)
	return stepOutcome{next: StepReceivedRegistration}, nil
}

// registrationFailure applies the configured DCR failure mode: continue
// with a synthetic client id, or abort the step.
func (f *Flow) registrationFailure(gen int, cause error) (stepOutcome, error) {
	if f.cfg.DCRFailureMode == DCRFailureAbort {
		return stepOutcome{}, cause
	}

	clientID := syntheticClientID()
	f.logger.Warning("%v; falling back to synthetic client id %s", cause, clientID)
	f.apply(gen, func(s *FlowState) {
		s.ClientID = clientID
		s.ClientSecret = ""
		appendInfoLog(s, "dcr-fallback", "Registration failed; continuing with synthetic client id", map[string]interface{}{
			"cause":     cause.Error(),
			"client_id": clientID,
		})
	})
	return stepOutcome{next: StepReceivedRegistration}, nil
}

// handleReceivedRegistration is a rest point after registration.
func (f *Flow) handleReceivedRegistration(ctx context.Context, gen int) (stepOutcome, error) {
	return stepOutcome{next: StepGeneratePKCE, schedule: true}, nil
}

// handleGeneratePKCE generates the PKCE verifier/challenge pair and the
// anti-CSRF state. Both are generated once per flow instance; a retried
// step reuses the existing values.
func (f *Flow) handleGeneratePKCE(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()

	verifier := snap.CodeVerifier
	challenge := snap.CodeChallenge
	if verifier == "" {
		params, err := GeneratePKCEParams()
		if err != nil {
			return stepOutcome{}, err
		}
		verifier = params.CodeVerifier
		challenge = params.CodeChallenge
	}

	antiCSRF := snap.State
	if antiCSRF == "" {
		var err error
		antiCSRF, err = GenerateState()
		if err != nil {
			return stepOutcome{}, err
		}
	}

	f.apply(gen, func(s *FlowState) {
		s.CodeVerifier = verifier
		s.CodeChallenge = challenge
		s.CodeChallengeMethod = pkceMethodS256
		s.State = antiCSRF
		appendInfoLog(s, "pkce-parameters", "Generated PKCE parameters", map[string]interface{}{
			"code_verifier":         verifier,
			"code_challenge":        challenge,
			"code_challenge_method": pkceMethodS256,
			"state":                 antiCSRF,
		})
	})

	f.logger.Success("Generated PKCE parameters (S256)")
	return stepOutcome{next: StepAuthorizationRequest, schedule: true}, nil
}

// handleAuthorizationRequest builds the authorization URL the operator must
// open in a browser. The flow then rests until an authorization code is
// delivered via ProvideAuthorizationCode.
func (f *Flow) handleAuthorizationRequest(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()
	if snap.AuthServerMetadata == nil {
		return stepOutcome{}, fmt.Errorf("authorization server metadata not available")
	}
	if snap.CodeChallenge == "" || snap.State == "" {
		return stepOutcome{}, fmt.Errorf("PKCE parameters not generated")
	}
	if snap.ClientID == "" {
		return stepOutcome{}, fmt.Errorf("client identity not resolved")
	}

	scopes := selectScopes(f.cfg.CustomScopes, f.parsedChallenge(snap), snap.ResourceMetadata)

	conf := &oauth2.Config{
		ClientID:    snap.ClientID,
		RedirectURL: f.cfg.RedirectURL,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL: snap.AuthServerMetadata.AuthorizationEndpoint,
		},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", snap.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", snap.CodeChallengeMethod),
	}

	resource, err := f.resourceURI()
	if err != nil {
		return stepOutcome{}, err
	}
	if resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", resource))
	}

	authURL := conf.AuthCodeURL(snap.State, opts...)

	f.apply(gen, func(s *FlowState) {
		s.AuthorizationURL = authURL
		appendInfoLog(s, "authorization-url", "Constructed authorization URL; open it in a browser to authorize", authURL)
	})

	f.logger.Info("Authorization URL: %s", authURL)
	f.logger.Info("Open the URL in a browser; the flow resumes when the authorization code arrives")
	return stepOutcome{next: StepReceivedAuthorizationCode}, nil
}

// handleReceivedAuthorizationCode constructs the token exchange request.
// It requires an authorization code delivered through
// ProvideAuthorizationCode.
func (f *Flow) handleReceivedAuthorizationCode(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()

	if snap.AuthorizationCode == "" {
		return stepOutcome{}, fmt.Errorf("no authorization code received yet; complete the authorization in the browser or supply the code manually")
	}
	if snap.CodeVerifier == "" {
		return stepOutcome{}, fmt.Errorf("code verifier missing; PKCE parameters were not generated")
	}
	if snap.AuthServerMetadata == nil || snap.AuthServerMetadata.TokenEndpoint == "" {
		return stepOutcome{}, fmt.Errorf("token endpoint not available")
	}

	resource, err := f.resourceURI()
	if err != nil {
		return stepOutcome{}, err
	}

	body := buildTokenRequestBody(&snap, f.cfg.RedirectURL, resource)

	f.apply(gen, func(s *FlowState) {
		appendHistory(s, StepTokenRequest, HTTPRequestRecord{
			Method:  "POST",
			URL:     snap.AuthServerMetadata.TokenEndpoint,
			Headers: map[string]string{"Content-Type": contentTypeForm, "Accept": contentTypeJSON},
			Body:    body,
		})
	})

	f.logger.Info("Exchanging authorization code at %s", snap.AuthServerMetadata.TokenEndpoint)
	return stepOutcome{next: StepTokenRequest, schedule: true}, nil
}

// handleTokenRequest executes the token exchange. A non-2xx response
// surfaces the OAuth error/error_description and (via the dispatcher's
// error path) discards the authorization code so it cannot be replayed.
func (f *Flow) handleTokenRequest(ctx context.Context, gen int) (stepOutcome, error) {
	resp, err := f.executePending(ctx, gen, StepTokenRequest)
	if err != nil {
		return stepOutcome{}, err
	}

	token, err := parseTokenResponse(resp)
	if err != nil {
		return stepOutcome{}, err
	}

	claims, claimsErr := DecodeTokenClaims(token.AccessToken)

	f.apply(gen, func(s *FlowState) {
		s.AccessToken = token.AccessToken
		s.RefreshToken = token.RefreshToken
		s.TokenType = token.TokenType
		s.ExpiresIn = token.ExpiresIn
		if claimsErr == nil {
			appendInfoLog(s, "access-token-claims", "Decoded access token claims (signature not verified)", claims)
		} else {
			appendInfoLog(s, "access-token-opaque", "Access token is opaque (not a decodable JWT)", claimsErr.Error())
		}
	})

	f.logger.Success("Received access token (type: %s, expires in: %ds)", token.TokenType, token.ExpiresIn)
	return stepOutcome{next: StepReceivedAccessToken}, nil
}

// handleReceivedAccessToken constructs the authenticated initialize replay.
func (f *Flow) handleReceivedAccessToken(ctx context.Context, gen int) (stepOutcome, error) {
	snap := f.currentState()
	if snap.AccessToken == "" {
		return stepOutcome{}, fmt.Errorf("no access token available")
	}

	req := HTTPRequestRecord{
		Method:  "POST",
		URL:     f.cfg.ServerURL,
		Headers: f.mcpHeaders(snap.AccessToken),
		Body:    buildInitializePayload(f.profile.Version, f.cfg.ServerName),
	}

	f.apply(gen, func(s *FlowState) {
		appendHistory(s, StepAuthenticatedMCPRequest, req)
	})

	f.logger.Info("Replaying initialize request with Authorization: Bearer header")
	return stepOutcome{next: StepAuthenticatedMCPRequest, schedule: true}, nil
}

// handleAuthenticatedMCPRequest executes the authenticated replay. A non-2xx
// response is reported but does not rewind the flow; the walkthrough
// completes either way.
func (f *Flow) handleAuthenticatedMCPRequest(ctx context.Context, gen int) (stepOutcome, error) {
	resp, err := f.executePending(ctx, gen, StepAuthenticatedMCPRequest)
	if err != nil {
		return stepOutcome{}, err
	}

	if !resp.OK() {
		msg := fmt.Sprintf("authenticated request was rejected with status %d %s", resp.Status, resp.StatusText)
		f.logger.Warning("%s", msg)
		f.apply(gen, func(s *FlowState) {
			s.Error = msg
			appendInfoLog(s, "authenticated-request-rejected", "Authenticated request rejected", msg)
		})
	} else {
		f.logger.Success("Authenticated request accepted; flow complete")
		f.apply(gen, func(s *FlowState) {
			appendInfoLog(s, "authenticated-request-accepted", "Authenticated request accepted", resp.Status)
		})
	}

	return stepOutcome{next: StepComplete}, nil
}

// parsedChallenge re-parses the stored WWW-Authenticate header, if any.
func (f *Flow) parsedChallenge(snap FlowState) *WWWAuthenticateChallenge {
	if snap.WWWAuthenticateHeader == "" {
		return nil
	}
	challenge, err := ParseWWWAuthenticate(snap.WWWAuthenticateHeader)
	if err != nil {
		return nil
	}
	return challenge
}
