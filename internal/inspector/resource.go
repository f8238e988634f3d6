package inspector

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DeriveResourceURI derives a canonical resource URI from an MCP endpoint
// URL per RFC 8707 (Resource Indicators for OAuth 2.0).
//
// Canonicalization rules:
//   - Lowercase scheme and host
//   - Omit default ports (80 for http, 443 for https)
//   - Keep the path, trimming a trailing slash
//   - No query parameters or fragments
//
// Examples:
//   - https://MCP.Example.Com:443/mcp -> https://mcp.example.com/mcp
//   - https://example.com:8443/mcp   -> https://example.com:8443/mcp
func DeriveResourceURI(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint URL missing host: %s", endpoint)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
		port = ""
	}

	omitPort := (scheme == schemeHTTPS && port == "443") || (scheme == schemeHTTP && port == "80")

	// net.SplitHostPort strips brackets from IPv6 literals; restore them.
	if strings.Contains(hostname, ":") {
		if omitPort || port == "" {
			host = "[" + hostname + "]"
		} else {
			host = "[" + hostname + "]:" + port
		}
	} else {
		if omitPort || port == "" {
			host = hostname
		} else {
			host = hostname + ":" + port
		}
	}

	path := parsed.Path
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	return scheme + "://" + host + path, nil
}
