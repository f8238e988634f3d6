package inspector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const callbackShutdownTimeout = 5 * time.Second

// callbackSuccessPage is shown in the browser after a successful redirect.
const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Complete</title></head>
<body>
<h1>Authorization complete</h1>
<p>The authorization code was delivered to the inspector. You can close this window and return to the terminal.</p>
</body>
</html>`

// callbackErrorPage is shown when the authorization server redirected back
// with an error or the code could not be accepted.
const callbackErrorPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body>
<h1>Authorization failed</h1>
<p>%s</p>
<p>Return to the terminal for details.</p>
</body>
</html>`

// CallbackServer receives the authorization redirect on the flow's
// configured redirect URL and feeds the code into the flow. The state
// parameter is passed through verbatim; the flow performs the anti-CSRF
// check.
type CallbackServer struct {
	flow   *Flow
	logger *Logger
	addr   string
	path   string
	srv    *http.Server
}

// NewCallbackServer builds a callback server bound to the host, port and
// path of redirectURL.
func NewCallbackServer(flow *Flow, redirectURL string, logger *Logger) (*CallbackServer, error) {
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("redirect URL missing host: %s", redirectURL)
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}

	return &CallbackServer{
		flow:   flow,
		logger: logger,
		addr:   parsed.Host,
		path:   path,
	}, nil
}

// Start binds the listener and begins serving in the background. Bind
// failures are reported synchronously.
func (c *CallbackServer) Start() error {
	listener, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to bind callback listener on %s: %w", c.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(c.path, c.handleCallback)

	c.srv = &http.Server{Handler: mux}

	go func() {
		if err := c.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Callback server error: %v", err)
		}
	}()

	c.logger.InfoVerbose("Callback server listening on %s%s", c.addr, c.path)
	return nil
}

// Shutdown stops the callback server.
func (c *CallbackServer) Shutdown(ctx context.Context) error {
	if c.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, callbackShutdownTimeout)
	defer cancel()
	return c.srv.Shutdown(shutdownCtx)
}

func (c *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		c.logger.Error("Authorization server returned error: %s (%s)", errCode, desc)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackErrorPage, fmt.Sprintf("%s: %s", errCode, desc))
		return
	}

	code := query.Get("code")
	if code == "" {
		c.logger.Error("Callback received without an authorization code")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackErrorPage, "The redirect did not include an authorization code.")
		return
	}

	if err := c.flow.ProvideAuthorizationCode(code, query.Get("state")); err != nil {
		c.logger.Error("Rejected authorization code: %v", err)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackErrorPage, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, callbackSuccessPage)
}
