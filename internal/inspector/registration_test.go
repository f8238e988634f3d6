package inspector

import (
	"strings"
	"testing"
)

func TestBuildRegistrationRequest(t *testing.T) {
	req := buildRegistrationRequest("test-client", "http://localhost:8976/callback", "mcp:read mcp:write")

	if req.ClientName != "test-client" {
		t.Errorf("ClientName = %q", req.ClientName)
	}
	if len(req.RedirectURIs) != 1 || req.RedirectURIs[0] != "http://localhost:8976/callback" {
		t.Errorf("RedirectURIs = %v", req.RedirectURIs)
	}
	if len(req.GrantTypes) != 2 || req.GrantTypes[0] != "authorization_code" || req.GrantTypes[1] != "refresh_token" {
		t.Errorf("GrantTypes = %v", req.GrantTypes)
	}
	if len(req.ResponseTypes) != 1 || req.ResponseTypes[0] != "code" {
		t.Errorf("ResponseTypes = %v", req.ResponseTypes)
	}
	if req.TokenEndpointAuthMethod != "none" {
		t.Errorf("TokenEndpointAuthMethod = %q, want none for a public client", req.TokenEndpointAuthMethod)
	}
	if req.Scope != "mcp:read mcp:write" {
		t.Errorf("Scope = %q", req.Scope)
	}
}

func TestSyntheticClientID(t *testing.T) {
	first := syntheticClientID()
	second := syntheticClientID()

	if !strings.HasPrefix(first, "inspector-") {
		t.Errorf("synthetic client id %q missing inspector- prefix", first)
	}
	if first == second {
		t.Error("synthetic client ids must be unique")
	}
}

func TestValidateClientIDURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{
			name: "valid metadata URL",
			url:  "https://example.com/client-metadata.json",
		},
		{
			name: "valid with deep path",
			url:  "https://example.com/apps/inspector/metadata",
		},
		{
			name:    "empty",
			url:     "",
			wantErr: "cannot be empty",
		},
		{
			name:    "relative URL",
			url:     "/client-metadata.json",
			wantErr: "must be absolute",
		},
		{
			name:    "http scheme",
			url:     "http://example.com/client-metadata.json",
			wantErr: "must use https",
		},
		{
			name:    "http localhost still rejected",
			url:     "http://localhost:8080/metadata.json",
			wantErr: "must use https",
		},
		{
			name:    "no path",
			url:     "https://example.com",
			wantErr: "path component",
		},
		{
			name:    "root path only",
			url:     "https://example.com/",
			wantErr: "path component",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientIDURL(tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateClientIDURL(%q) = %v, want nil", tt.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateClientIDURL(%q) = nil, want error containing %q", tt.url, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestResolveClientMetadataURL(t *testing.T) {
	got, err := resolveClientMetadataURL("")
	if err != nil {
		t.Fatalf("resolveClientMetadataURL(\"\") = %v", err)
	}
	if got != defaultClientMetadataURL {
		t.Errorf("default = %q, want %q", got, defaultClientMetadataURL)
	}

	got, err = resolveClientMetadataURL("https://example.com/my-client.json")
	if err != nil {
		t.Fatalf("resolveClientMetadataURL(custom) = %v", err)
	}
	if got != "https://example.com/my-client.json" {
		t.Errorf("custom = %q", got)
	}

	if _, err := resolveClientMetadataURL("http://example.com/my-client.json"); err == nil {
		t.Error("expected error for http client metadata URL")
	}
}

func TestSelectScopes(t *testing.T) {
	challenge := &WWWAuthenticateChallenge{Scopes: []string{"challenge:scope"}}
	metadata := &ProtectedResourceMetadata{ScopesSupported: []string{"metadata:scope"}}

	tests := []struct {
		name      string
		custom    []string
		challenge *WWWAuthenticateChallenge
		metadata  *ProtectedResourceMetadata
		want      []string
	}{
		{
			name:      "custom scopes win",
			custom:    []string{"custom:scope"},
			challenge: challenge,
			metadata:  metadata,
			want:      []string{"custom:scope"},
		},
		{
			name:      "challenge beats metadata",
			challenge: challenge,
			metadata:  metadata,
			want:      []string{"challenge:scope"},
		},
		{
			name:     "metadata as last resort",
			metadata: metadata,
			want:     []string{"metadata:scope"},
		},
		{
			name: "nothing available",
			want: nil,
		},
		{
			name:      "empty challenge scopes fall through",
			challenge: &WWWAuthenticateChallenge{},
			metadata:  metadata,
			want:      []string{"metadata:scope"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectScopes(tt.custom, tt.challenge, tt.metadata)
			if len(got) != len(tt.want) {
				t.Fatalf("selectScopes = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("scope[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
