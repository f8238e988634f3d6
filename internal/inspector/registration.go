package inspector

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// defaultClientMetadataURL is the hosted Client ID Metadata Document used
// when the CIMD strategy is selected without an explicit URL.
const defaultClientMetadataURL = "https://inspector.modelcontextprotocol.io/client-metadata.json"

// DCRFailureMode selects how the flow reacts when Dynamic Client
// Registration fails or no registration endpoint is advertised.
type DCRFailureMode string

const (
	// DCRFailureFallback continues the flow with a synthetic preregistered
	// client id. The resulting id is almost certainly unknown to the
	// authorization server, but it lets the operator walk the remaining
	// steps and observe how the server reacts.
	DCRFailureFallback DCRFailureMode = "fallback"

	// DCRFailureAbort stops the flow instead of continuing with a
	// synthetic client id.
	DCRFailureAbort DCRFailureMode = "abort"
)

// ClientRegistrationRequest is the RFC 7591 client metadata document posted
// to the registration endpoint.
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse carries the credentials issued by a successful
// DCR call.
type ClientRegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// buildRegistrationRequest constructs the DCR document for this client:
// a public client using the authorization code grant.
func buildRegistrationRequest(clientName, redirectURL, scope string) ClientRegistrationRequest {
	return ClientRegistrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURL},
		GrantTypes:              []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		ResponseTypes:           []string{responseTypeCode},
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	}
}

// syntheticClientID produces a fallback client id for flows that continue
// without a real registration.
func syntheticClientID() string {
	return "inspector-" + uuid.NewString()
}

// ValidateClientIDURL validates a CIMD client_id URL per
// draft-ietf-oauth-client-id-metadata-document: an absolute HTTPS URL with
// a non-root path component. HTTP is not allowed, not even for localhost.
func ValidateClientIDURL(clientIDURL string) error {
	if clientIDURL == "" {
		return fmt.Errorf("client_id URL cannot be empty")
	}

	parsed, err := url.Parse(clientIDURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if !parsed.IsAbs() {
		return fmt.Errorf("client_id URL must be absolute")
	}
	if parsed.Scheme != schemeHTTPS {
		return fmt.Errorf("client_id URL must use https scheme, got: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("client_id URL missing host")
	}
	if parsed.Path == "" || parsed.Path == "/" {
		return fmt.Errorf("client_id URL must contain a path component (cannot be just https://%s)", parsed.Host)
	}

	return nil
}

// resolveClientMetadataURL returns the CIMD client_id URL for this flow,
// validating a caller-supplied URL and falling back to the hosted default.
func resolveClientMetadataURL(configured string) (string, error) {
	candidate := configured
	if candidate == "" {
		candidate = defaultClientMetadataURL
	}
	if err := ValidateClientIDURL(candidate); err != nil {
		return "", fmt.Errorf("invalid client metadata URL: %w", err)
	}
	return candidate, nil
}

// selectScopes picks the OAuth scopes to request, following the MCP spec
// priority order: operator-supplied scopes win, then the scope parameter
// from the WWW-Authenticate challenge, then scopes_supported from the
// protected resource metadata, then no scope parameter at all.
func selectScopes(custom []string, challenge *WWWAuthenticateChallenge, metadata *ProtectedResourceMetadata) []string {
	if len(custom) > 0 {
		return custom
	}
	if challenge != nil && len(challenge.Scopes) > 0 {
		return challenge.Scopes
	}
	if metadata != nil && len(metadata.ScopesSupported) > 0 {
		return metadata.ScopesSupported
	}
	return nil
}
