package inspector

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerVerboseGating(t *testing.T) {
	tests := []struct {
		name         string
		verbose      bool
		log          func(l *Logger)
		expectOutput bool
		substr       string
	}{
		{
			name:         "InfoVerbose with verbose enabled",
			verbose:      true,
			log:          func(l *Logger) { l.InfoVerbose("probe %s", "one") },
			expectOutput: true,
			substr:       "probe one",
		},
		{
			name:    "InfoVerbose with verbose disabled",
			verbose: false,
			log:     func(l *Logger) { l.InfoVerbose("probe %s", "one") },
		},
		{
			name:         "WarningVerbose with verbose enabled",
			verbose:      true,
			log:          func(l *Logger) { l.WarningVerbose("fallback to %s", "root") },
			expectOutput: true,
			substr:       "fallback to root",
		},
		{
			name:    "WarningVerbose with verbose disabled",
			verbose: false,
			log:     func(l *Logger) { l.WarningVerbose("fallback to %s", "root") },
		},
		{
			name:         "Debug with verbose enabled",
			verbose:      true,
			log:          func(l *Logger) { l.Debug("relaying request") },
			expectOutput: true,
			substr:       "relaying request",
		},
		{
			name:    "Debug with verbose disabled",
			verbose: false,
			log:     func(l *Logger) { l.Debug("relaying request") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := NewLoggerWithWriter(tt.verbose, false, false, buf)

			tt.log(logger)

			output := buf.String()
			if tt.expectOutput && !strings.Contains(output, tt.substr) {
				t.Errorf("expected output to contain %q, got %q", tt.substr, output)
			}
			if !tt.expectOutput && output != "" {
				t.Errorf("expected no output, got %q", output)
			}
		})
	}
}

func TestLoggerAlwaysOnLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(false, false, false, buf)

	for _, tt := range []struct {
		name string
		log  func()
	}{
		{"Info", func() { logger.Info("info message") }},
		{"Warning", func() { logger.Warning("warning message") }},
		{"Error", func() { logger.Error("error message") }},
		{"Success", func() { logger.Success("success message") }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			want := strings.ToLower(tt.name) + " message"
			if !strings.Contains(buf.String(), want) {
				t.Errorf("expected output to contain %q, got %q", want, buf.String())
			}
		})
	}
}

func TestLoggerNilReceiverIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("no panic")
	logger.InfoVerbose("no panic")
	logger.Warning("no panic")
	logger.WarningVerbose("no panic")
	logger.Error("no panic")
	logger.Success("no panic")
	logger.Debug("no panic")
}

func TestLoggerSetVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLoggerWithWriter(false, false, false, buf)

	logger.Debug("hidden")
	if buf.String() != "" {
		t.Fatalf("expected no debug output, got %q", buf.String())
	}

	logger.SetVerbose(true)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug output after SetVerbose(true), got %q", buf.String())
	}
}

func TestLoggerSetWriter(t *testing.T) {
	buf1 := &bytes.Buffer{}
	buf2 := &bytes.Buffer{}

	logger := NewLoggerWithWriter(false, false, false, buf1)
	logger.Info("first")
	if !strings.Contains(buf1.String(), "first") {
		t.Error("expected message in the original writer")
	}

	buf1.Reset()
	logger.SetWriter(buf2)
	logger.Info("second")

	if buf1.String() != "" {
		t.Error("expected original writer to stay silent after SetWriter")
	}
	if !strings.Contains(buf2.String(), "second") {
		t.Error("expected message in the replacement writer")
	}
}

func TestPrettyJSON(t *testing.T) {
	out := PrettyJSON(map[string]string{"key": "value"})
	if !strings.Contains(out, `"key": "value"`) {
		t.Errorf("unexpected PrettyJSON output: %s", out)
	}

	// Unmarshalable values fall back to fmt formatting instead of erroring.
	out = PrettyJSON(make(chan int))
	if out == "" {
		t.Error("expected non-empty fallback for unmarshalable value")
	}
}
