package inspector

import (
	"fmt"
	"net/url"
	"strings"
)

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata as defined in RFC 8414 and OpenID Connect Discovery 1.0.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL for the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL for the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for Dynamic Client Registration (optional)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// CodeChallengeMethods lists supported PKCE code challenge methods
	CodeChallengeMethods []string `json:"code_challenge_methods_supported,omitempty"`

	// ClientIDMetadataDocumentSupported indicates support for Client ID Metadata Documents
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported,omitempty"`

	// ScopesSupported lists supported OAuth scopes (optional)
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists supported OAuth response types
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists supported OAuth grant types
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists supported token endpoint auth methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// Validate checks the metadata structure against RFC 8414 Section 3: the
// issuer and core endpoints must be present, absolute HTTP(S) URLs, and the
// server must support the authorization code response type when it
// advertises response types at all.
func (m *AuthorizationServerMetadata) Validate() error {
	if m.Issuer == "" {
		return fmt.Errorf("missing required field: issuer")
	}
	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing required field: authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("missing required field: token_endpoint")
	}

	endpoints := map[string]string{
		"issuer":                 m.Issuer,
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
	}
	if m.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = m.RegistrationEndpoint
	}

	for name, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("%s must be absolute URL: %s", name, endpoint)
		}
		if parsed.Scheme != schemeHTTPS && parsed.Scheme != schemeHTTP {
			return fmt.Errorf("%s must use http or https scheme: %s", name, endpoint)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s missing host: %s", name, endpoint)
		}
	}

	if len(m.ResponseTypesSupported) > 0 {
		hasCode := false
		for _, rt := range m.ResponseTypesSupported {
			if rt == responseTypeCode {
				hasCode = true
				break
			}
		}
		if !hasCode {
			return fmt.Errorf("authorization server does not support the %q response type (supported: %v)", responseTypeCode, m.ResponseTypesSupported)
		}
	}

	return nil
}

// SupportsS256 reports whether the server advertises the S256 PKCE method.
func (m *AuthorizationServerMetadata) SupportsS256() bool {
	for _, method := range m.CodeChallengeMethods {
		if method == pkceMethodS256 {
			return true
		}
	}
	return false
}

// normalizePath removes leading and trailing slashes from a URL path.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.TrimSuffix(p, "/")
}

// BuildAuthServerMetadataURLs constructs the ordered AS metadata discovery
// candidate list for an issuer URL, per RFC 8414 Section 3 and OIDC
// Discovery Section 4. The caller tries candidates strictly in order.
//
// For 2025-11-25 (no root fallback), issuers with a path component probe:
//  1. OAuth 2.0 path insertion: https://host/.well-known/oauth-authorization-server/path
//  2. OIDC path insertion:      https://host/.well-known/openid-configuration/path
//  3. OIDC path appending:      https://host/path/.well-known/openid-configuration
//
// Earlier revisions additionally fall back to the root well-known URLs:
//  1. OAuth 2.0 path insertion
//  2. OAuth 2.0 root:           https://host/.well-known/oauth-authorization-server
//  3. OIDC path insertion
//  4. OIDC path appending
//  5. OIDC root:                https://host/.well-known/openid-configuration
//
// Issuers without a path component probe the OAuth root followed by the
// OIDC root under every revision.
func BuildAuthServerMetadataURLs(issuerURL string, version ProtocolVersion) ([]string, error) {
	profile, err := ProfileFor(version)
	if err != nil {
		return nil, err
	}

	parsed, err := url.Parse(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("issuer URL must be absolute")
	}
	if parsed.Scheme != schemeHTTPS && parsed.Scheme != schemeHTTP {
		return nil, fmt.Errorf("issuer URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("issuer URL missing host")
	}

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	path := normalizePath(parsed.Path)

	oauthRoot := baseURL + "/.well-known/oauth-authorization-server"
	oidcRoot := baseURL + "/.well-known/openid-configuration"

	if path == "" {
		// No path component: the root URLs are the only candidates, OAuth
		// discovery tried before OIDC discovery.
		return []string{oauthRoot, oidcRoot}, nil
	}

	oauthInsert := fmt.Sprintf("%s/.well-known/oauth-authorization-server/%s", baseURL, path)
	oidcInsert := fmt.Sprintf("%s/.well-known/openid-configuration/%s", baseURL, path)
	oidcAppend := fmt.Sprintf("%s/%s/.well-known/openid-configuration", baseURL, path)

	if !profile.RootDiscoveryFallback {
		return []string{oauthInsert, oidcInsert, oidcAppend}, nil
	}

	return []string{oauthInsert, oauthRoot, oidcInsert, oidcAppend, oidcRoot}, nil
}

// ValidatePKCECapability checks the server's advertised PKCE support against
// the profile's enforcement level. Under 2025-11-25 a missing or S256-less
// code_challenge_methods_supported is a hard validation failure; earlier
// revisions log a warning and continue.
func ValidatePKCECapability(metadata *AuthorizationServerMetadata, profile ProtocolProfile, logger *Logger) error {
	if metadata.SupportsS256() {
		return nil
	}

	if profile.RequirePKCE {
		if len(metadata.CodeChallengeMethods) == 0 {
			return fmt.Errorf("authorization server does not advertise PKCE support (code_challenge_methods_supported missing or empty) - required by MCP %s", profile.Version)
		}
		return fmt.Errorf("authorization server does not support the S256 PKCE method (only: %v) - required by MCP %s", metadata.CodeChallengeMethods, profile.Version)
	}

	logger.Warning("Authorization server does not advertise S256 PKCE support (code_challenge_methods_supported: %v); continuing because MCP %s only recommends PKCE", metadata.CodeChallengeMethods, profile.Version)
	return nil
}
