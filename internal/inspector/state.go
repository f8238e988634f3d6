package inspector

import "time"

// Step identifies a position in the OAuth walkthrough. The string values are
// stable identifiers consumed by external renderers and must not be renamed.
type Step string

// Walkthrough steps in flow order. Registration sub-steps only occur for the
// DCR strategy; CIMD and preregistered strategies resolve client identity
// inside StepReceivedAuthServerMetadata.
const (
	StepIdle                      Step = "idle"
	StepRequestWithoutToken       Step = "request_without_token"
	StepReceived401               Step = "received_401_unauthorized"
	StepRequestResourceMetadata   Step = "request_resource_metadata"
	StepReceivedResourceMetadata  Step = "received_resource_metadata"
	StepRequestAuthServerMetadata Step = "request_authorization_server_metadata"
	StepReceivedAuthServerMeta    Step = "received_authorization_server_metadata"
	StepRequestClientRegistration Step = "request_client_registration"
	StepReceivedRegistration      Step = "received_client_registration"
	StepGeneratePKCE              Step = "generate_pkce_parameters"
	StepAuthorizationRequest      Step = "authorization_request"
	StepReceivedAuthorizationCode Step = "received_authorization_code"
	StepTokenRequest              Step = "token_request"
	StepReceivedAccessToken       Step = "received_access_token"
	StepAuthenticatedMCPRequest   Step = "authenticated_mcp_request"
	StepComplete                  Step = "complete"
)

// HTTPRequestRecord describes an HTTP request the flow constructed, before
// and independently of its execution.
type HTTPRequestRecord struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

// HTTPResponseRecord describes the response to a previously recorded request.
type HTTPResponseRecord struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       interface{}       `json:"body,omitempty"`
}

// HTTPHistoryEntry is one request/response pair in the walkthrough ledger.
// Response is nil while the request is pending and is filled at most once.
type HTTPHistoryEntry struct {
	ID       string              `json:"id"`
	Step     Step                `json:"step"`
	Request  HTTPRequestRecord   `json:"request"`
	Response *HTTPResponseRecord `json:"response,omitempty"`
}

// InfoLog is a labeled diagnostic entry. Entries are immutable once appended
// and deduplicated by ID within a flow instance.
type InfoLog struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// FlowState holds every artifact the walkthrough produces. It is mutated
// only through the Flow's update contract; callers observe it via the
// state-change callback or Snapshot.
type FlowState struct {
	CurrentStep      Step `json:"currentStep"`
	IsInitiatingAuth bool `json:"isInitiatingAuth"`

	// Discovery artifacts
	ServerURL             string                       `json:"serverUrl,omitempty"`
	WWWAuthenticateHeader string                       `json:"wwwAuthenticateHeader,omitempty"`
	ResourceMetadataURL   string                       `json:"resourceMetadataUrl,omitempty"`
	ResourceMetadata      *ProtectedResourceMetadata   `json:"resourceMetadata,omitempty"`
	AuthServerURL         string                       `json:"authorizationServerUrl,omitempty"`
	AuthServerMetadata    *AuthorizationServerMetadata `json:"authorizationServerMetadata,omitempty"`

	// Client identity
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// PKCE artifacts
	CodeVerifier        string `json:"codeVerifier,omitempty"`
	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`
	State               string `json:"state,omitempty"`

	// Authorization artifacts
	AuthorizationURL  string `json:"authorizationUrl,omitempty"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`

	// Tokens
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`

	// Diagnostics
	HTTPHistory []HTTPHistoryEntry `json:"httpHistory,omitempty"`
	InfoLogs    []InfoLog          `json:"infoLogs,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// NewFlowState returns the empty state a fresh flow starts from.
func NewFlowState(serverURL string) FlowState {
	return FlowState{
		CurrentStep: StepIdle,
		ServerURL:   serverURL,
	}
}

// clone returns a deep copy so callers can't mutate the flow's canonical
// state through a snapshot.
func (s FlowState) clone() FlowState {
	out := s
	if s.ResourceMetadata != nil {
		md := *s.ResourceMetadata
		out.ResourceMetadata = &md
	}
	if s.AuthServerMetadata != nil {
		md := *s.AuthServerMetadata
		out.AuthServerMetadata = &md
	}
	out.HTTPHistory = make([]HTTPHistoryEntry, len(s.HTTPHistory))
	copy(out.HTTPHistory, s.HTTPHistory)
	out.InfoLogs = make([]InfoLog, len(s.InfoLogs))
	copy(out.InfoLogs, s.InfoLogs)
	return out
}
