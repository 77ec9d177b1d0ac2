package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.Channels != 1 || cfg.Audio.ChunkSize != 1024 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.LLM.Endpoint != "http://localhost:11434" || cfg.LLM.Model != "gemma3:latest" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.Controller.ToggleDebounce != 200 {
		t.Fatalf("expected 200ms debounce, got %d", cfg.Controller.ToggleDebounce)
	}
	if cfg.Output.TrailingSpace {
		t.Fatal("expected trailing space disabled by default")
	}
}

func TestLegacyEnv(t *testing.T) {
	t.Setenv("FORCE_CPU", "1")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("OLLAMA_MODEL", "llama3.2:3b")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.STT.ForceCPU {
		t.Fatal("expected FORCE_CPU=1 to force cpu")
	}
	if cfg.LLM.Endpoint != "http://gpu-box:11434" {
		t.Fatalf("expected OLLAMA_HOST override, got %s", cfg.LLM.Endpoint)
	}
	if cfg.LLM.Model != "llama3.2:3b" {
		t.Fatalf("expected OLLAMA_MODEL override, got %s", cfg.LLM.Model)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("OLLAMA_MODEL", "llama3.2:3b")
	t.Setenv("LOQA_DICTATE_LLM_MODEL", "gemma2:2b")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Model != "gemma2:2b" {
		t.Fatalf("expected prefixed override, got %s", cfg.LLM.Model)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_DICTATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_DICTATE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_DICTATE_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_DICTATE_HISTORY_PATH", "./tmp.db")
	t.Setenv("LOQA_DICTATE_HISTORY_RETENTION_MODE", "session")
	t.Setenv("LOQA_DICTATE_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("LOQA_DICTATE_HISTORY_MAX_ENTRIES", "123")
	t.Setenv("LOQA_DICTATE_TONE", "polite")
	t.Setenv("LOQA_DICTATE_TOGGLE_DEBOUNCE_MS", "0")
	t.Setenv("LOQA_DICTATE_OUTPUT_TRAILING_SPACE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.History.Path != "./tmp.db" || cfg.History.RetentionMode != "session" {
		t.Fatalf("expected history overrides, got %+v", cfg.History)
	}
	if cfg.History.RetentionDays != 7 || cfg.History.MaxEntries != 123 {
		t.Fatalf("expected history limits override, got %+v", cfg.History)
	}
	if cfg.Controller.DefaultTone != "polite" || cfg.Controller.ToggleDebounce != 0 {
		t.Fatalf("expected controller overrides, got %+v", cfg.Controller)
	}
	if !cfg.Output.TrailingSpace {
		t.Fatal("expected trailing space override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("stt:\n  mode: mock\nllm:\n  mode: disabled\ncontroller:\n  default_tone: grammar\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Mode != "mock" || cfg.LLM.Mode != "disabled" || cfg.Controller.DefaultTone != "grammar" {
		t.Fatalf("file values not applied: %+v %+v %+v", cfg.STT, cfg.LLM, cfg.Controller)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Fatal("expected defaults to survive partial file")
	}
}

func TestValidateRejectsUnknownTone(t *testing.T) {
	t.Setenv("LOQA_DICTATE_TONE", "sarcastic")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown tone")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
