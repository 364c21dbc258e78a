package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.Voice != "af_heart" {
		t.Fatalf("expected default voice af_heart, got %s", cfg.TTS.Voice)
	}
	if cfg.Text.MaxChunkChars != 500 || cfg.Text.WordsPerMinute != 150 {
		t.Fatalf("unexpected text defaults %+v", cfg.Text)
	}
	if cfg.Output.Dir != "./output" || cfg.Output.Workers != 1 {
		t.Fatalf("unexpected output defaults %+v", cfg.Output)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	data := `
tts:
  mode: exec
  command: "kokoro-cli --stream"
  voice: narrator
  voices:
    - id: narrator
      language: en
      region: US
output:
  combine: true
  combined_format: ogg
  chapter_gap_ms: 2000
  workers: 3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.Mode != "exec" || cfg.TTS.Command != "kokoro-cli --stream" {
		t.Fatalf("unexpected tts config %+v", cfg.TTS)
	}
	if len(cfg.TTS.Voices) != 1 || cfg.TTS.Voices[0].ID != "narrator" {
		t.Fatalf("expected custom voice list, got %+v", cfg.TTS.Voices)
	}
	if !cfg.Output.Combine || cfg.Output.CombinedFormat != "ogg" || cfg.Output.ChapterGapMS != 2000 || cfg.Output.Workers != 3 {
		t.Fatalf("unexpected output config %+v", cfg.Output)
	}
	// Untouched sections keep their defaults.
	if cfg.TTS.SampleRate != 24000 {
		t.Fatalf("expected default sample rate, got %d", cfg.TTS.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NARRATOR_CHECKPOINT_PATH", "./tmp.db")
	t.Setenv("NARRATOR_CHECKPOINT_RETENTION_MODE", "session")
	t.Setenv("NARRATOR_CHECKPOINT_RETENTION_DAYS", "7")
	t.Setenv("NARRATOR_CHECKPOINT_MAX_RUNS", "123")
	t.Setenv("NARRATOR_CHECKPOINT_VACUUM_ON_START", "true")
	t.Setenv("NARRATOR_TTS_VOICE", "bm_george")
	t.Setenv("NARRATOR_TTS_RATE_LIMIT", "2.5")
	t.Setenv("NARRATOR_TEXT_MAX_CHUNK_CHARS", "300")
	t.Setenv("NARRATOR_OUTPUT_ON_CHUNK_FAILURE", "silence")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Checkpoint.Path != "./tmp.db" || cfg.Checkpoint.RetentionMode != "session" {
		t.Fatalf("expected checkpoint overrides, got %+v", cfg.Checkpoint)
	}
	if cfg.Checkpoint.RetentionDays != 7 || cfg.Checkpoint.MaxRuns != 123 || !cfg.Checkpoint.VacuumOnStart {
		t.Fatalf("expected checkpoint retention overrides, got %+v", cfg.Checkpoint)
	}
	if cfg.TTS.Voice != "bm_george" || cfg.TTS.RateLimit != 2.5 {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.Text.MaxChunkChars != 300 {
		t.Fatalf("expected max chunk override, got %d", cfg.Text.MaxChunkChars)
	}
	if cfg.Output.OnChunkFailure != "silence" {
		t.Fatalf("expected chunk failure policy override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"tts.mode":         func(c *Config) { c.TTS.Mode = "kokoro" },
		"tts.command":      func(c *Config) { c.TTS.Mode = "exec" },
		"max_chunk_chars":  func(c *Config) { c.Text.MaxChunkChars = 0 },
		"chapter_format":   func(c *Config) { c.Output.ChapterFormat = "ogg" },
		"on_chunk_failure": func(c *Config) { c.Output.OnChunkFailure = "retry" },
		"output.workers":   func(c *Config) { c.Output.Workers = 0 },
		"retention_mode":   func(c *Config) { c.Checkpoint.RetentionMode = "forever" },
		"otlp_endpoint":    func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"bus.servers": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Embedded = false
			c.Bus.Servers = nil
		},
	}
	for want, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("expected error mentioning %q, got %v", want, err)
		}
	}
}
