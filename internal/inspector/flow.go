package inspector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default delay before an auto-chained continuation fires, long enough for
// an observer to render the pending request first.
const defaultContinuationDelay = 50 * time.Millisecond

var (
	// ErrStepInFlight is returned when ProceedToNextStep is invoked while a
	// previous invocation is still executing. Callers must serialize calls.
	ErrStepInFlight = errors.New("a step is already in flight")

	// ErrFlowComplete is returned when ProceedToNextStep is invoked on a
	// completed flow. ResetFlow is the only way back.
	ErrFlowComplete = errors.New("flow is complete")
)

// Config carries everything needed to construct a Flow.
type Config struct {
	// ProtocolVersion selects the MCP revision (default: 2025-11-25)
	ProtocolVersion ProtocolVersion

	// RegistrationStrategy selects client identification (default: per profile)
	RegistrationStrategy RegistrationStrategy

	// ServerURL is the MCP server endpoint to walk the flow against
	ServerURL string

	// ServerName is a human-readable label used in registration documents
	ServerName string

	// RedirectURL receives the authorization callback
	RedirectURL string

	// CustomScopes forces manual scope selection when non-empty
	CustomScopes []string

	// CustomHeaders are added to every request sent to the MCP server
	CustomHeaders map[string]string

	// ClientID / ClientSecret preconfigure a client identity
	// (required meaningfully only for the preregistered strategy)
	ClientID     string
	ClientSecret string

	// ClientMetadataURL is the CIMD client_id URL (default: hosted document)
	ClientMetadataURL string

	// PreferredAuthServer picks among multiple advertised servers
	PreferredAuthServer string

	// DCRFailureMode selects fallback-vs-abort on registration failure
	DCRFailureMode DCRFailureMode
}

// WithDefaults fills unset fields with their defaults.
func (c *Config) WithDefaults() *Config {
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = Version20251125
	}
	if c.ServerName == "" {
		c.ServerName = "mcp-oauth-inspector"
	}
	if c.RedirectURL == "" {
		c.RedirectURL = "http://localhost:8976/callback"
	}
	if c.DCRFailureMode == "" {
		c.DCRFailureMode = DCRFailureFallback
	}
	return c
}

// Validate checks the configuration. Redirect URLs may use http only for
// loopback hosts.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme != schemeHTTP && parsed.Scheme != schemeHTTPS {
		return fmt.Errorf("server URL must use http or https scheme, got: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("server URL missing host")
	}

	redirect, err := url.Parse(c.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	if redirect.Scheme == schemeHTTP {
		hostname := redirect.Hostname()
		if hostname != "localhost" && hostname != "127.0.0.1" && hostname != "::1" {
			return fmt.Errorf("HTTP redirect URLs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	} else if redirect.Scheme != schemeHTTPS {
		return fmt.Errorf("redirect URL scheme must be http (localhost only) or https, got: %s", redirect.Scheme)
	}

	if c.DCRFailureMode != DCRFailureFallback && c.DCRFailureMode != DCRFailureAbort {
		return fmt.Errorf("invalid DCR failure mode %q (allowed: %s, %s)", c.DCRFailureMode, DCRFailureFallback, DCRFailureAbort)
	}

	return nil
}

// stepOutcome is what a step handler reports back to the dispatcher: the
// step to advance to and whether an auto-chained continuation into it should
// be scheduled. The host decides whether to honor the continuation.
type stepOutcome struct {
	next     Step
	schedule bool
}

// stepHandler executes one step's action. Handlers read state snapshots via
// Flow.currentState and write through Flow.apply so every mutation is
// generation-checked and observable.
type stepHandler func(ctx context.Context, gen int) (stepOutcome, error)

// Option customizes a Flow.
type Option func(*Flow)

// WithStateCallback registers a callback invoked synchronously with a state
// snapshot after every mutation. The callback must not call back into the
// Flow.
func WithStateCallback(fn func(FlowState)) Option {
	return func(f *Flow) { f.onUpdate = fn }
}

// WithContinuationDelay overrides the auto-chain delay.
func WithContinuationDelay(d time.Duration) Option {
	return func(f *Flow) { f.delay = d }
}

// WithAutoAdvance disables (or re-enables) continuation timers. With auto
// advance off, the host drives every step explicitly, which keeps tests
// deterministic.
func WithAutoAdvance(enabled bool) Option {
	return func(f *Flow) { f.autoAdvance = enabled }
}

// Flow is the step dispatcher: it owns one walkthrough's state and executes
// exactly one step per ProceedToNextStep invocation. A Flow is bound to one
// protocol version and one registration strategy at construction.
//
// ProceedToNextStep is not safe to invoke concurrently with itself; the
// IsInitiatingAuth flag rejects re-entrant calls but callers must still
// serialize invocations.
type Flow struct {
	id       string
	cfg      Config
	profile  ProtocolProfile
	strategy RegistrationStrategy
	fetcher  Fetcher
	logger   *Logger
	handlers map[Step]stepHandler

	onUpdate    func(FlowState)
	delay       time.Duration
	autoAdvance bool

	mu             sync.Mutex
	state          FlowState
	generation     int
	timer          *time.Timer
	processedCodes map[string]bool
}

// NewFlow constructs a flow for one server/version/strategy combination.
// Illegal combinations (e.g. cimd under 2025-06-18) fail here rather than
// mid-flow.
func NewFlow(cfg Config, fetcher Fetcher, logger *Logger, opts ...Option) (*Flow, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow configuration: %w", err)
	}

	profile, err := ProfileFor(cfg.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	strategy, err := profile.ResolveStrategy(cfg.RegistrationStrategy)
	if err != nil {
		return nil, err
	}

	if strategy == StrategyCIMD {
		if _, err := resolveClientMetadataURL(cfg.ClientMetadataURL); err != nil {
			return nil, err
		}
	}

	if fetcher == nil {
		return nil, fmt.Errorf("a fetcher is required")
	}

	f := &Flow{
		id:             uuid.NewString(),
		cfg:            cfg,
		profile:        profile,
		strategy:       strategy,
		fetcher:        fetcher,
		logger:         logger,
		delay:          defaultContinuationDelay,
		autoAdvance:    true,
		state:          NewFlowState(cfg.ServerURL),
		processedCodes: make(map[string]bool),
	}

	f.handlers = map[Step]stepHandler{
		StepIdle:                      f.handleIdle,
		StepRequestWithoutToken:       f.handleRequestWithoutToken,
		StepReceived401:               f.handleReceived401,
		StepRequestResourceMetadata:   f.handleRequestResourceMetadata,
		StepReceivedResourceMetadata:  f.handleReceivedResourceMetadata,
		StepRequestAuthServerMetadata: f.handleRequestAuthServerMetadata,
		StepReceivedAuthServerMeta:    f.handleReceivedAuthServerMetadata,
		StepRequestClientRegistration: f.handleRequestClientRegistration,
		StepReceivedRegistration:      f.handleReceivedRegistration,
		StepGeneratePKCE:              f.handleGeneratePKCE,
		StepAuthorizationRequest:      f.handleAuthorizationRequest,
		StepReceivedAuthorizationCode: f.handleReceivedAuthorizationCode,
		StepTokenRequest:              f.handleTokenRequest,
		StepReceivedAccessToken:       f.handleReceivedAccessToken,
		StepAuthenticatedMCPRequest:   f.handleAuthenticatedMCPRequest,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// ID returns the flow instance identifier.
func (f *Flow) ID() string { return f.id }

// Profile returns the protocol profile this flow is bound to.
func (f *Flow) Profile() ProtocolProfile { return f.profile }

// Strategy returns the resolved registration strategy.
func (f *Flow) Strategy() RegistrationStrategy { return f.strategy }

// Snapshot returns a deep copy of the current flow state.
func (f *Flow) Snapshot() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

// currentState returns a deep copy of the state for handler reads.
func (f *Flow) currentState() FlowState {
	return f.Snapshot()
}

// notifyLocked invokes the state callback with a snapshot. Callers hold f.mu.
func (f *Flow) notifyLocked() {
	if f.onUpdate != nil {
		f.onUpdate(f.state.clone())
	}
}

// apply runs a mutation against the canonical state unless the flow has been
// reset since gen was captured, in which case the mutation is discarded.
func (f *Flow) apply(gen int, mutate func(*FlowState)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.generation {
		return false
	}
	mutate(&f.state)
	f.notifyLocked()
	return true
}

// ProceedToNextStep executes the action for the current step and advances
// the flow. On failure the error is written to the state's Error field and
// the current step is left unchanged so the operator may retry; a token
// exchange failure additionally discards the authorization code so it
// cannot be replayed.
func (f *Flow) ProceedToNextStep(ctx context.Context) error {
	f.mu.Lock()
	if f.state.IsInitiatingAuth {
		f.mu.Unlock()
		return ErrStepInFlight
	}
	if f.state.CurrentStep == StepComplete {
		f.mu.Unlock()
		return ErrFlowComplete
	}
	gen := f.generation
	step := f.state.CurrentStep
	handler, ok := f.handlers[step]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("no action registered for step %s", step)
	}
	f.state.IsInitiatingAuth = true
	f.state.Error = ""
	f.notifyLocked()
	f.mu.Unlock()

	outcome, err := handler(ctx, gen)

	f.mu.Lock()
	defer f.mu.Unlock()

	if gen != f.generation {
		// The flow was reset while this step ran; discard its result
		// rather than writing into the new flow's state.
		return nil
	}

	if err != nil {
		f.state.IsInitiatingAuth = false
		f.state.Error = err.Error()
		var exchangeErr *TokenExchangeError
		if errors.As(err, &exchangeErr) {
			f.state.AuthorizationCode = ""
		}
		f.notifyLocked()
		return err
	}

	f.state.IsInitiatingAuth = false
	f.state.CurrentStep = outcome.next
	f.notifyLocked()

	if outcome.schedule {
		f.scheduleContinuationLocked(gen)
	}
	return nil
}

// scheduleContinuationLocked arms the continuation timer for the current
// generation. Callers hold f.mu.
func (f *Flow) scheduleContinuationLocked(gen int) {
	if !f.autoAdvance {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.delay, func() {
		f.mu.Lock()
		stale := gen != f.generation
		f.mu.Unlock()
		if stale {
			return
		}
		if err := f.ProceedToNextStep(context.Background()); err != nil && !errors.Is(err, ErrStepInFlight) {
			f.logger.Error("Step failed: %v", err)
		}
	})
}

// ProvideAuthorizationCode delivers an authorization code from the redirect
// callback (or out-of-band entry). The returned state must match the stored
// anti-CSRF state, and a code already consumed by this flow instance is
// rejected so a redundant delivery never triggers a second token exchange.
func (f *Flow) ProvideAuthorizationCode(code, returnedState string) error {
	if code == "" {
		return fmt.Errorf("authorization code is empty")
	}

	f.mu.Lock()

	if f.state.CurrentStep != StepReceivedAuthorizationCode {
		err := fmt.Errorf("flow is not awaiting an authorization code (current step: %s)", f.state.CurrentStep)
		f.state.Error = err.Error()
		f.notifyLocked()
		f.mu.Unlock()
		return err
	}

	if f.state.State == "" {
		err := fmt.Errorf("no anti-CSRF state stored (was the flow reset mid-authorization?); refusing authorization code")
		f.state.Error = err.Error()
		f.notifyLocked()
		f.mu.Unlock()
		return err
	}

	if returnedState != f.state.State {
		err := fmt.Errorf("state mismatch: authorization response state %q does not match stored state; refusing authorization code", returnedState)
		f.state.Error = err.Error()
		f.notifyLocked()
		f.mu.Unlock()
		return err
	}

	if f.processedCodes[code] {
		f.mu.Unlock()
		return fmt.Errorf("authorization code already processed; ignoring duplicate delivery")
	}
	f.processedCodes[code] = true

	gen := f.generation
	f.state.AuthorizationCode = code
	f.state.Error = ""
	f.notifyLocked()
	f.scheduleContinuationLocked(gen)
	f.mu.Unlock()

	f.logger.Success("Authorization code received")
	return nil
}

// ResetFlow discards the entire flow state, cancels any scheduled
// continuation, and clears the processed-code markers. In-flight step
// executions detect the generation bump and discard their results.
func (f *Flow) ResetFlow() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.generation++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.state = NewFlowState(f.cfg.ServerURL)
	f.processedCodes = make(map[string]bool)
	f.notifyLocked()
}
