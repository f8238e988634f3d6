package inspector

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenResponse is a successful token endpoint response per OAuth 2.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenExchangeError is a non-2xx token endpoint response, carrying the
// OAuth error and error_description fields verbatim.
type TokenExchangeError struct {
	Status      int
	ErrorCode   string
	Description string
}

func (e *TokenExchangeError) Error() string {
	msg := fmt.Sprintf("token exchange failed with status %d", e.Status)
	if e.ErrorCode != "" {
		msg += fmt.Sprintf(": %s", e.ErrorCode)
	}
	if e.Description != "" {
		msg += fmt.Sprintf(" (%s)", e.Description)
	}
	return msg
}

// buildTokenRequestBody constructs the form-encoded authorization_code
// exchange body. The resource parameter is included when non-empty; the
// profile decides whether omitting it is acceptable.
func buildTokenRequestBody(state *FlowState, redirectURL, resourceURI string) map[string]string {
	body := map[string]string{
		"grant_type":    grantTypeAuthorizationCode,
		"code":          state.AuthorizationCode,
		"redirect_uri":  redirectURL,
		"client_id":     state.ClientID,
		"code_verifier": state.CodeVerifier,
	}
	if state.ClientSecret != "" {
		body["client_secret"] = state.ClientSecret
	}
	if resourceURI != "" {
		body["resource"] = resourceURI
	}
	return body
}

// parseTokenResponse decodes a token endpoint response. For non-2xx
// responses it returns a *TokenExchangeError carrying the OAuth error
// fields; decode failures on the error body still produce a structured
// error with whatever was readable.
func parseTokenResponse(resp *ProxyResponse) (*TokenResponse, error) {
	if !resp.OK() {
		exchangeErr := &TokenExchangeError{Status: resp.Status}
		if m, ok := resp.Body.(map[string]interface{}); ok {
			if v, ok := m["error"].(string); ok {
				exchangeErr.ErrorCode = v
			}
			if v, ok := m["error_description"].(string); ok {
				exchangeErr.Description = v
			}
		} else if resp.Body != nil {
			exchangeErr.Description = resp.BodyString()
		}
		return nil, exchangeErr
	}

	// The relay normalizes JSON bodies to map[string]interface{}; round-trip
	// through json to get the typed shape.
	raw, err := json.Marshal(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode token response: %w", err)
	}

	var token TokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &token, nil
}

// DecodeTokenClaims decodes a JWT access token without verifying its
// signature, purely for diagnostic display. Opaque (non-JWT) tokens return
// an error; callers treat that as non-fatal.
func DecodeTokenClaims(accessToken string) (map[string]interface{}, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("access token is not a decodable JWT: %w", err)
	}
	return claims, nil
}
