package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/giantswarm/mcp-oauth-inspector/internal/inspector"
	"github.com/spf13/cobra"
)

var (
	version string

	serverURL           string
	serverName          string
	protocolVersion     string
	registrationMode    string
	clientID            string
	clientSecret        string
	clientMetadataURL   string
	scopes              []string
	customHeaders       []string
	redirectURL         string
	preferredAuthServer string
	dcrFailureMode      string
	relayURL            string
	relayListen         string
	stepDelay           time.Duration
	authTimeout         time.Duration
	auto                bool
	verbose             bool
	noColor             bool
	jsonRPC             bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-oauth-inspector",
	Short: "MCP OAuth flow inspector",
	Long: `mcp-oauth-inspector walks the OAuth 2.1 authorization flow against an MCP
(Model Context Protocol) server one observable step at a time.

It sends an unauthenticated initialize request, follows the WWW-Authenticate
challenge through RFC 9728 Protected Resource Metadata and RFC 8414
authorization server metadata discovery, resolves a client identity (Dynamic
Client Registration, a Client ID Metadata Document URL, or a preregistered
client), generates PKCE parameters, constructs the authorization URL,
exchanges the authorization code for tokens, and finally replays the
initialize request with the Bearer token.

Every HTTP request and response is recorded in an inspectable ledger, so the
tool doubles as a conformance probe: it tells you exactly which discovery URL
answered, which metadata field was missing, and which step an authorization
server fails at.

The flow behavior follows the selected MCP protocol revision:
- 2025-03-26 / 2025-06-18: DCR or preregistered clients, PKCE recommended,
  resource parameter sent opportunistically
- 2025-11-25 (default): adds CIMD client identification, requires PKCE (S256)
  support, and mandates the RFC 8707 resource parameter

All flow traffic is sent through a relay so request/response pairs can be
captured verbatim; by default a relay is hosted in-process.

By default the tool runs an interactive REPL; use --auto to drive the whole
flow without prompting (the browser opens automatically for authorization).`,
	RunE: runInspector,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server-url", "", "MCP server URL to inspect (required)")
	rootCmd.Flags().StringVar(&serverName, "server-name", "", "Client name used in registration documents (default: mcp-oauth-inspector)")
	rootCmd.Flags().StringVar(&protocolVersion, "protocol-version", string(inspector.Version20251125), fmt.Sprintf("MCP protocol revision (%s)", strings.Join(versionNames(), ", ")))
	rootCmd.Flags().StringVar(&registrationMode, "registration-strategy", "", "Client identification strategy: dcr, cimd, or preregistered (default: per protocol revision)")
	rootCmd.Flags().StringVar(&clientID, "client-id", "", "Preregistered OAuth client ID (used with --registration-strategy=preregistered)")
	rootCmd.Flags().StringVar(&clientSecret, "client-secret", "", "Preregistered OAuth client secret (optional)")
	rootCmd.Flags().StringVar(&clientMetadataURL, "client-metadata-url", "", "HTTPS URL of a Client ID Metadata Document (used with --registration-strategy=cimd)")
	rootCmd.Flags().StringSliceVar(&scopes, "scopes", []string{}, "OAuth scopes to request (overrides challenge/metadata-derived scopes)")
	rootCmd.Flags().StringSliceVar(&customHeaders, "header", []string{}, "Custom header added to MCP server requests, as 'Name: Value' (repeatable)")
	rootCmd.Flags().StringVar(&redirectURL, "redirect-url", "http://localhost:8976/callback", "OAuth redirect URL; a callback server is hosted on it")
	rootCmd.Flags().StringVar(&preferredAuthServer, "preferred-auth-server", "", "Preferred authorization server URL when the resource advertises multiple")
	rootCmd.Flags().StringVar(&dcrFailureMode, "dcr-failure-mode", string(inspector.DCRFailureFallback), "Behavior when Dynamic Client Registration fails: fallback or abort")
	rootCmd.Flags().StringVar(&relayURL, "relay-url", "", "URL of an external request relay (default: host one in-process)")
	rootCmd.Flags().StringVar(&relayListen, "relay-listen", ":8977", "Listen address for the in-process relay")
	rootCmd.Flags().DurationVar(&stepDelay, "step-delay", 0, "Delay before auto-chained step continuations (0 uses the built-in default)")
	rootCmd.Flags().DurationVar(&authTimeout, "auth-timeout", 5*time.Minute, "Maximum time to wait for browser authorization in --auto mode")
	rootCmd.Flags().BoolVar(&auto, "auto", false, "Drive the whole flow without prompting (opens the browser for authorization)")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")

	_ = rootCmd.MarkFlagRequired("server-url")

	rootCmd.AddCommand(newSelfUpdateCmd())
}

// versionNames lists the supported protocol revisions for the flag help text.
func versionNames() []string {
	supported := inspector.SupportedVersions()
	names := make([]string, len(supported))
	for i, v := range supported {
		names[i] = string(v)
	}
	return names
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// parseHeaderFlags parses repeated 'Name: Value' flags into a header map.
func parseHeaderFlags(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, found := strings.Cut(h, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q (expected 'Name: Value')", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

// startRelay hosts the request relay in-process and returns its URL together
// with a shutdown function.
func startRelay(listenAddr string, logger *inspector.Logger) (string, func(context.Context) error, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind relay listener on %s: %w", listenAddr, err)
	}

	srv := &http.Server{Handler: inspector.NewRelayHandler(logger)}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Relay server error: %v", err)
		}
	}()

	host, port, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return "", nil, fmt.Errorf("unexpected relay listener address %q: %w", listener.Addr(), err)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	url := fmt.Sprintf("http://%s/", net.JoinHostPort(host, port))
	logger.InfoVerbose("Relay listening on %s", url)
	return url, srv.Shutdown, nil
}

// buildFlowConfig assembles the flow configuration from CLI flags.
func buildFlowConfig(cmd *cobra.Command, logger *inspector.Logger) (inspector.Config, error) {
	if clientSecret != "" && cmd.Flags().Changed("client-secret") {
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
	}

	headers, err := parseHeaderFlags(customHeaders)
	if err != nil {
		return inspector.Config{}, err
	}

	return inspector.Config{
		ProtocolVersion:      inspector.ProtocolVersion(protocolVersion),
		RegistrationStrategy: inspector.RegistrationStrategy(registrationMode),
		ServerURL:            serverURL,
		ServerName:           serverName,
		RedirectURL:          redirectURL,
		CustomScopes:         scopes,
		CustomHeaders:        headers,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		ClientMetadataURL:    clientMetadataURL,
		PreferredAuthServer:  preferredAuthServer,
		DCRFailureMode:       inspector.DCRFailureMode(dcrFailureMode),
	}, nil
}

// runAutoMode drives the flow to completion without operator interaction.
// The browser is opened once when the authorization URL is ready; the
// callback server delivers the code.
func runAutoMode(ctx context.Context, flow *inspector.Flow, logger *inspector.Logger) error {
	openedBrowser := false
	var waitingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		snap := flow.Snapshot()

		if snap.CurrentStep == inspector.StepComplete {
			logger.Success("Flow complete")
			return nil
		}

		if snap.CurrentStep == inspector.StepReceivedAuthorizationCode && snap.AuthorizationCode == "" {
			if !openedBrowser {
				logger.Info("Opening browser for authorization: %s", snap.AuthorizationURL)
				if err := inspector.OpenBrowser(snap.AuthorizationURL); err != nil {
					logger.Warning("Failed to open browser: %v; open the URL manually", err)
				}
				openedBrowser = true
				waitingSince = time.Now()
			}
			if time.Since(waitingSince) > authTimeout {
				return fmt.Errorf("timed out after %v waiting for browser authorization", authTimeout)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		if err := flow.ProceedToNextStep(ctx); err != nil {
			return err
		}
	}
}

func runInspector(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	logger := inspector.NewLogger(verbose, !noColor, jsonRPC)

	resolvedRelayURL := relayURL
	if resolvedRelayURL == "" {
		url, shutdown, err := startRelay(relayListen, logger)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
		resolvedRelayURL = url
	}

	cfg, err := buildFlowConfig(cmd, logger)
	if err != nil {
		return err
	}

	fetcher := inspector.NewRelayFetcher(resolvedRelayURL, logger)

	var repl *inspector.REPL
	opts := []inspector.Option{
		inspector.WithStateCallback(func(s inspector.FlowState) {
			if repl != nil {
				repl.Notify(s)
			}
		}),
	}
	if stepDelay > 0 {
		opts = append(opts, inspector.WithContinuationDelay(stepDelay))
	}
	if auto {
		// Auto mode drives every step from its own loop.
		opts = append(opts, inspector.WithAutoAdvance(false))
	}

	flow, err := inspector.NewFlow(cfg, fetcher, logger, opts...)
	if err != nil {
		return err
	}

	callback, err := inspector.NewCallbackServer(flow, cfg.RedirectURL, logger)
	if err != nil {
		return err
	}
	if err := callback.Start(); err != nil {
		return err
	}
	defer func() { _ = callback.Shutdown(context.Background()) }()

	logger.Info("Inspecting %s (protocol %s, strategy %s)", cfg.ServerURL, flow.Profile().Version, flow.Strategy())

	if auto {
		return runAutoMode(ctx, flow, logger)
	}

	repl = inspector.NewREPL(flow, logger)
	if err := repl.Run(ctx); err != nil {
		return fmt.Errorf("REPL error: %w", err)
	}
	return nil
}
