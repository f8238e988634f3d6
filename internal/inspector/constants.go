package inspector

// MCP protocol method constants.
const (
	// methodInitialize is the MCP initialization method
	methodInitialize = "initialize"
)

// URL scheme constants for validation.
const (
	schemeHTTPS = "https"
	schemeHTTP  = "http"
)

// PKCE code challenge method constant.
const pkceMethodS256 = "S256"

// OAuth response type constant.
const responseTypeCode = "code"

// grant type constants for token requests and client registration.
const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// userAgent identifies the inspector in outbound HTTP requests.
const userAgent = "mcp-oauth-inspector/1.0"
