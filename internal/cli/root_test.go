package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/message"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"run", "coordinator", "worker", "submit", "status", "list", "health", "sweep", "dlq", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestDLQSubcommands(t *testing.T) {
	for _, sub := range []string{"list", "replay"} {
		out, err := executeCommand("dlq", sub, "--help")
		if err != nil {
			t.Errorf("dlq %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("dlq %s --help produced no output", sub)
		}
	}
}

func TestHealthOnMemoryBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte("log: {level: error}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("health", "--config", path, "--format", "text")
	if err != nil {
		t.Fatalf("health: %v\n%s", err, out)
	}
	if !strings.Contains(out, "status: healthy") || !strings.Contains(out, message.TopicStatusUpdates) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestWorkerRejectsUnknownStage(t *testing.T) {
	_, err := executeCommand("worker", "--stage", "deploy")
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("err = %v", err)
	}
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Stages = map[string]config.StageConfig{"issue": {RateLimit: 1, MaxConcurrency: 1}}
	cfg.Pipeline.DirectChaining = true

	opts, err := engineOptions(cfg, nil, message.Order)
	if err != nil {
		t.Fatalf("engineOptions: %v", err)
	}
	// logger, retry, stage+timeout per stage, throttle, dlq, direct, worker opts
	if want := 2 + 2*len(message.Order) + 4; len(opts) != want {
		t.Errorf("len(opts) = %d, want %d", len(opts), want)
	}
}
