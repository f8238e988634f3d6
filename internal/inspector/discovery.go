package inspector

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728.
type ProtectedResourceMetadata struct {
	// Resource is the protected resource identifier
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// ScopesSupported lists the OAuth scopes supported by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// BearerMethodsSupported indicates how bearer tokens can be presented
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ResourceDocumentation provides human-readable documentation URL
	ResourceDocumentation string `json:"resource_documentation,omitempty"`
}

// Validate checks that the required RFC 9728 fields are present and that all
// authorization server URLs are absolute HTTP(S) URLs.
func (m *ProtectedResourceMetadata) Validate() error {
	if m.Resource == "" {
		return fmt.Errorf("missing required field: resource")
	}

	if len(m.AuthorizationServers) == 0 {
		return fmt.Errorf("missing required field: authorization_servers (at least one required)")
	}

	for i, asURL := range m.AuthorizationServers {
		parsed, err := url.Parse(asURL)
		if err != nil {
			return fmt.Errorf("invalid authorization server URL at index %d: %w", i, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("authorization server URL at index %d must be absolute: %s", i, asURL)
		}
		if parsed.Scheme != schemeHTTPS && parsed.Scheme != schemeHTTP {
			return fmt.Errorf("authorization server URL at index %d must use http or https scheme: %s", i, asURL)
		}
		if parsed.Host == "" {
			return fmt.Errorf("authorization server URL at index %d missing host: %s", i, asURL)
		}
	}

	return nil
}

// SelectAuthorizationServer picks an authorization server from the metadata.
// A non-empty preferred server must appear in the advertised list; otherwise
// the first advertised server is used per RFC 9728 Section 3.
func SelectAuthorizationServer(metadata *ProtectedResourceMetadata, preferred string) (string, error) {
	if metadata == nil || len(metadata.AuthorizationServers) == 0 {
		return "", fmt.Errorf("no authorization servers available")
	}

	if preferred != "" {
		for _, server := range metadata.AuthorizationServers {
			if server == preferred {
				return server, nil
			}
		}
		return "", fmt.Errorf("preferred authorization server not found: %s", preferred)
	}

	return metadata.AuthorizationServers[0], nil
}

// WWWAuthenticateChallenge represents parsed WWW-Authenticate header
// information per RFC 6750 and RFC 9728.
type WWWAuthenticateChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer")
	Scheme string

	// ResourceMetadataURL is the URL to fetch protected resource metadata
	ResourceMetadataURL string

	// Scopes are the required scopes for this resource/operation
	Scopes []string

	// Error indicates the error type (e.g., "insufficient_scope")
	Error string

	// ErrorDescription provides human-readable error details
	ErrorDescription string
}

// ParseWWWAuthenticate parses a WWW-Authenticate header value and extracts
// OAuth challenge parameters.
//
// Example header:
//
//	WWW-Authenticate: Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource",
//	                         scope="files:read",
//	                         error="insufficient_scope"
func ParseWWWAuthenticate(header string) (*WWWAuthenticateChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)

	challenge := &WWWAuthenticateChallenge{
		Scheme: parts[0],
	}

	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]

		if scopeParam := params["scope"]; scopeParam != "" {
			challenge.Scopes = strings.Fields(scopeParam)
		}
	}

	return challenge, nil
}

// parseAuthParams parses OAuth challenge parameters, handling both quoted
// and unquoted values. Format: key1="value1", key2="value2", key3=value3
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	for _, part := range splitPreservingQuotes(params, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		eqIdx := strings.Index(part, "=")
		if eqIdx == -1 {
			continue
		}

		key := strings.TrimSpace(part[:eqIdx])
		value := strings.TrimSpace(part[eqIdx+1:])

		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if key != "" {
			result[key] = value
		}
	}

	return result
}

// splitPreservingQuotes splits s by delimiter, ignoring delimiters that
// appear inside double-quoted sections.
func splitPreservingQuotes(s string, delimiter byte) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == delimiter && !inQuotes:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// BuildResourceMetadataURL constructs the RFC 9728 well-known URL for a
// server's protected resource metadata. Servers with a non-root path get the
// path-aware form /.well-known/oauth-protected-resource{path}; servers at
// the root get /.well-known/oauth-protected-resource at the origin.
//
// This URL is a fallback: a resource_metadata URL carried in a
// WWW-Authenticate challenge always takes priority.
func BuildResourceMetadataURL(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server URL must include scheme and host")
	}

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)

	if parsed.Path != "" && parsed.Path != "/" {
		path := strings.TrimPrefix(parsed.Path, "/")
		return fmt.Sprintf("%s/.well-known/oauth-protected-resource/%s", baseURL, path), nil
	}

	return fmt.Sprintf("%s/.well-known/oauth-protected-resource", baseURL), nil
}
