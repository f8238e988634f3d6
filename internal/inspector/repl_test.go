package inspector

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestREPLCodeCommandRequiresState(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.cleanup()

	flow := env.newTestFlow(t, Config{ProtocolVersion: Version20250618})
	advanceTo(t, flow, StepReceivedAuthorizationCode, 20)

	repl := NewREPL(flow, env.Logger)
	ctx := context.Background()

	err := repl.executeCommand(ctx, "code AUTH_CODE_1")
	if err == nil {
		t.Fatal("code command without a state argument was accepted")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("error = %q, want a usage message", err)
	}
	if flow.Snapshot().AuthorizationCode != "" {
		t.Error("code without state reached the flow")
	}

	code, state := env.authorizeAndExtractCode(t, flow.Snapshot().AuthorizationURL)

	err = repl.executeCommand(ctx, fmt.Sprintf("code %s forged-state", code))
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("forged state not rejected: %v", err)
	}
	if flow.Snapshot().AuthorizationCode != "" {
		t.Error("code with forged state was stored")
	}

	if err := repl.executeCommand(ctx, fmt.Sprintf("code %s %s", code, state)); err != nil {
		t.Fatalf("code command with matching state failed: %v", err)
	}
	if flow.Snapshot().AuthorizationCode != code {
		t.Errorf("stored code = %q, want %q", flow.Snapshot().AuthorizationCode, code)
	}
}

func TestREPLUnknownCommand(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.cleanup()

	flow := env.newTestFlow(t, Config{ProtocolVersion: Version20250618})
	repl := NewREPL(flow, env.Logger)

	err := repl.executeCommand(context.Background(), "frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unknown command error = %v", err)
	}
}
