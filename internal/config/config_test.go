package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/LightningTH/itero/internal/config"
)

func validMeshYAML() string {
	return `
admin:
  addr: ":7780"
netio:
  interface: "wlan0mon"
mesh:
  dh_prime: 12412372739946577469
  dh_generator: 11011158976040270681
  broadcast_seed: [4184920502, 2984289118]
`
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Admin.Addr != ":7780" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":7780")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if !cfg.Mesh.CanBroadcast {
		t.Error("Mesh.CanBroadcast = false, want true")
	}

	// Defaults omit the mesh-wide DH/broadcast parameters deliberately
	// (there is no safe universal default), so they fail validation
	// until a deployment sets them.
	if err := config.Validate(cfg); err == nil {
		t.Error("Validate(DefaultConfig()) = nil, want error for unset mesh params")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, validMeshYAML())

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.NetIO.Interface != "wlan0mon" {
		t.Errorf("NetIO.Interface = %q, want %q", cfg.NetIO.Interface, "wlan0mon")
	}

	if cfg.Mesh.DHPrime != 12412372739946577469 {
		t.Errorf("Mesh.DHPrime = %d, want %d", cfg.Mesh.DHPrime, uint64(12412372739946577469))
	}

	if cfg.Mesh.DHGenerator != 11011158976040270681 {
		t.Errorf("Mesh.DHGenerator = %d, want %d", cfg.Mesh.DHGenerator, uint64(11011158976040270681))
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
netio:
  interface: "wlan0mon"
mesh:
  dh_prime: 12412372739946577469
  dh_generator: 11011158976040270681
  broadcast_seed: [4184920502, 2984289118]
log:
  level: "warn"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Admin.Addr != ":7780" {
		t.Errorf("Admin.Addr = %q, want default %q", cfg.Admin.Addr, ":7780")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.NetIO.Interface = "wlan0mon"
		cfg.Mesh.DHPrime = 12412372739946577469
		cfg.Mesh.DHGenerator = 11011158976040270681
		cfg.Mesh.BroadcastSeed = [2]uint32{4184920502, 2984289118}
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty admin addr",
			modify: func(cfg *config.Config) {
				cfg.Admin.Addr = ""
			},
			wantErr: config.ErrEmptyAdminAddr,
		},
		{
			name: "empty interface",
			modify: func(cfg *config.Config) {
				cfg.NetIO.Interface = ""
			},
			wantErr: config.ErrEmptyInterface,
		},
		{
			name: "generator not less than prime",
			modify: func(cfg *config.Config) {
				cfg.Mesh.DHGenerator = cfg.Mesh.DHPrime
			},
			wantErr: config.ErrInvalidDHParams,
		},
		{
			name: "zero prime",
			modify: func(cfg *config.Config) {
				cfg.Mesh.DHPrime = 0
			},
			wantErr: config.ErrInvalidDHParams,
		},
		{
			name: "zero broadcast seed word",
			modify: func(cfg *config.Config) {
				cfg.Mesh.BroadcastSeed[0] = 0
			},
			wantErr: config.ErrInvalidBroadcastSeed,
		},
		{
			name: "all-ones broadcast seed word",
			modify: func(cfg *config.Config) {
				cfg.Mesh.BroadcastSeed[1] = 0xFFFFFFFF
			},
			wantErr: config.ErrInvalidBroadcastSeed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	path := writeTemp(t, validMeshYAML())

	t.Setenv("ITERO_ADMIN_ADDR", ":60000")
	t.Setenv("ITERO_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":60000" {
		t.Errorf("Admin.Addr = %q, want %q (from env)", cfg.Admin.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	path := writeTemp(t, validMeshYAML())

	t.Setenv("ITERO_METRICS_ADDR", ":9200")
	t.Setenv("ITERO_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "itero.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
