package inspector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL drives a Flow interactively: one command per step, with the full
// request/response ledger available for inspection at any point.
type REPL struct {
	flow            *Flow
	logger          *Logger
	rl              *readline.Instance
	stopChan        chan struct{}
	updates         chan FlowState
	wg              sync.WaitGroup
	commandHandlers map[string]commandHandler
}

// NewREPL creates a new REPL instance around an existing flow.
func NewREPL(flow *Flow, logger *Logger) *REPL {
	r := &REPL{
		flow:     flow,
		logger:   logger,
		stopChan: make(chan struct{}),
		updates:  make(chan FlowState, 64),
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Notify delivers a state snapshot to the REPL's background listener. It
// never blocks; under backpressure intermediate snapshots are dropped.
func (r *REPL) Notify(state FlowState) {
	select {
	case r.updates <- state:
	default:
	}
}

// Run starts the REPL
func (r *REPL) Run(ctx context.Context) error {
	completer := r.createCompleter()
	historyFile := filepath.Join(os.TempDir(), ".mcp_oauth_inspector_history")

	config := &readline.Config{
		Prompt:          "oauth> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl

	// Start state-change listener in background
	r.wg.Add(1)
	go r.stateListener(ctx)

	r.logger.Info("OAuth walkthrough started. Type 'next' to advance, 'help' for all commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			close(r.stopChan)
			r.wg.Wait()
			r.logger.Info("REPL shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			close(r.stopChan)
			r.wg.Wait()
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				close(r.stopChan)
				r.wg.Wait()
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Println()
	}
}

// stateListener prints step transitions that happen outside a direct
// command, e.g. auto-chained continuations or a callback-delivered code.
func (r *REPL) stateListener(ctx context.Context) {
	defer r.wg.Done()

	lastStep := StepIdle
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case state := <-r.updates:
			if state.CurrentStep == lastStep {
				continue
			}
			lastStep = state.CurrentStep

			// Temporarily pause readline
			if r.rl != nil {
				_, _ = r.rl.Stdout().Write([]byte("\r\033[K"))
			}

			r.logger.Info("Step: %s", state.CurrentStep)
			if state.CurrentStep == StepReceivedAuthorizationCode && state.AuthorizationURL != "" {
				r.logger.Info("Waiting for authorization; use 'open' to launch the browser or 'code <code> <state>' to paste the redirect values")
			}
			if state.CurrentStep == StepComplete {
				r.logger.Success("Walkthrough complete. Use 'state' to inspect the result or 'reset' to start over.")
			}

			if r.rl != nil {
				r.rl.Refresh()
			}
		}
	}
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("next"),
		readline.PcItem("n"),
		readline.PcItem("code"),
		readline.PcItem("state"),
		readline.PcItem("history"),
		readline.PcItem("logs"),
		readline.PcItem("authurl"),
		readline.PcItem("open"),
		readline.PcItem("reset"),
		readline.PcItem("verbose",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	next := func(ctx context.Context, parts []string) error {
		return r.handleNext(ctx)
	}
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"next": {minArgs: 1, handler: next},
		"n":    {minArgs: 1, handler: next},
		"code": {
			minArgs: 3,
			usage:   "usage: code <authorization-code> <state>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCode(parts)
			},
		},
		"state": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleState()
		}},
		"history": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			if len(parts) > 1 {
				return r.handleHistoryDetail(parts[1])
			}
			return r.handleHistory()
		}},
		"logs": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleLogs()
		}},
		"authurl": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleAuthURL()
		}},
		"open": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleOpen()
		}},
		"reset": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			r.flow.ResetFlow()
			fmt.Println("Flow reset.")
			return nil
		}},
		"verbose": {
			minArgs: 2,
			usage:   "usage: verbose <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleVerbose(parts[1])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	fmt.Println("Available commands:")
	fmt.Println("  next, n                      - Execute the current step and advance the flow")
	fmt.Println("  code <code> <state>          - Deliver an authorization code and its state manually")
	fmt.Println("  state                        - Dump the full flow state as JSON")
	fmt.Println("  history [n]                  - List HTTP request/response pairs (or show entry n)")
	fmt.Println("  logs                         - List diagnostic log entries")
	fmt.Println("  authurl                      - Print the authorization URL")
	fmt.Println("  open                         - Open the authorization URL in a browser")
	fmt.Println("  reset                        - Discard all state and restart from idle")
	fmt.Println("  verbose <on|off>             - Enable/disable verbose logging")
	fmt.Println("  help, ?                      - Show this help message")
	fmt.Println("  exit, quit                   - Exit the REPL")
	fmt.Println()
	fmt.Println("Keyboard shortcuts:")
	fmt.Println("  TAB                          - Auto-complete commands")
	fmt.Println("  ↑/↓ (arrow keys)             - Navigate command history")
	fmt.Println("  Ctrl+R                       - Search command history")
	fmt.Println("  Ctrl+C                       - Cancel current line")
	fmt.Println("  Ctrl+D                       - Exit REPL")
	return nil
}

// handleNext advances the flow by one step.
func (r *REPL) handleNext(ctx context.Context) error {
	err := r.flow.ProceedToNextStep(ctx)
	if errors.Is(err, ErrFlowComplete) {
		fmt.Println("Flow is complete. Use 'reset' to start over.")
		return nil
	}
	if err != nil {
		return err
	}

	snap := r.flow.Snapshot()
	fmt.Printf("Current step: %s\n", snap.CurrentStep)
	return nil
}

// handleCode delivers an out-of-band authorization code. Both values come
// from the redirect URL the operator inspected; requiring the state keeps
// the anti-CSRF comparison meaningful for manual entry.
func (r *REPL) handleCode(parts []string) error {
	return r.flow.ProvideAuthorizationCode(parts[1], parts[2])
}

// handleState dumps the full state snapshot.
func (r *REPL) handleState() error {
	fmt.Println(PrettyJSON(r.flow.Snapshot()))
	return nil
}

// handleHistory lists the HTTP ledger.
func (r *REPL) handleHistory() error {
	snap := r.flow.Snapshot()
	if len(snap.HTTPHistory) == 0 {
		fmt.Println("No HTTP requests recorded yet.")
		return nil
	}

	fmt.Printf("HTTP history (%d entries):\n", len(snap.HTTPHistory))
	for i, entry := range snap.HTTPHistory {
		status := "pending"
		if entry.Response != nil {
			status = fmt.Sprintf("%d %s", entry.Response.Status, entry.Response.StatusText)
		}
		fmt.Printf("  %d. [%s] %s %s -> %s\n", i+1, entry.Step, entry.Request.Method, entry.Request.URL, status)
	}
	return nil
}

// handleHistoryDetail shows one ledger entry in full.
func (r *REPL) handleHistoryDetail(arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid history index: %s", arg)
	}

	snap := r.flow.Snapshot()
	if n < 1 || n > len(snap.HTTPHistory) {
		return fmt.Errorf("history index out of range: %d (have %d entries)", n, len(snap.HTTPHistory))
	}

	fmt.Println(PrettyJSON(snap.HTTPHistory[n-1]))
	return nil
}

// handleLogs lists the diagnostic log entries.
func (r *REPL) handleLogs() error {
	snap := r.flow.Snapshot()
	if len(snap.InfoLogs) == 0 {
		fmt.Println("No diagnostic logs yet.")
		return nil
	}

	fmt.Printf("Diagnostic logs (%d entries):\n", len(snap.InfoLogs))
	for i, entry := range snap.InfoLogs {
		fmt.Printf("  %d. [%s] %s\n", i+1, entry.Timestamp.Format("15:04:05"), entry.Label)
		if entry.Data != nil {
			fmt.Printf("     %s\n", PrettyJSON(entry.Data))
		}
	}
	return nil
}

// handleAuthURL prints the authorization URL if it has been constructed.
func (r *REPL) handleAuthURL() error {
	snap := r.flow.Snapshot()
	if snap.AuthorizationURL == "" {
		return fmt.Errorf("no authorization URL constructed yet; advance the flow first")
	}
	fmt.Println(snap.AuthorizationURL)
	return nil
}

// handleOpen launches the system browser at the authorization URL.
func (r *REPL) handleOpen() error {
	snap := r.flow.Snapshot()
	if snap.AuthorizationURL == "" {
		return fmt.Errorf("no authorization URL constructed yet; advance the flow first")
	}
	if err := OpenBrowser(snap.AuthorizationURL); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	fmt.Println("Opened authorization URL in browser.")
	return nil
}

// handleVerbose toggles verbose logging.
func (r *REPL) handleVerbose(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		r.logger.SetVerbose(true)
		fmt.Println("Verbose logging enabled")
	case "off":
		r.logger.SetVerbose(false)
		fmt.Println("Verbose logging disabled")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}

// OpenBrowser opens url in the platform's default browser.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
