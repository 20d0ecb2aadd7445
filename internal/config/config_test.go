package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

func TestLoad_defaults_without_file(t *testing.T) {
	t.Chdir(t.TempDir()) // no plugkit.yaml in reach

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.ConfigFileUsed() != "" {
		t.Errorf("unexpected config file %q", v.ConfigFileUsed())
	}
	if got := v.GetString("logging.level"); got != "info" {
		t.Errorf("logging.level = %q, want %q", got, "info")
	}
	if got := v.GetDuration("service.timeout"); got != 30*time.Second {
		t.Errorf("service.timeout = %v, want 30s", got)
	}
	if got := v.GetInt("external.burst"); got != 10 {
		t.Errorf("external.burst = %d, want 10", got)
	}
}

func TestLoad_explicit_missing_file_errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load with an explicit missing file should fail")
	}
}

func TestLoad_file_overrides_defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugkit.yaml")
	data := "status:\n  addr: \":7070\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetString("status.addr"); got != ":7070" {
		t.Errorf("status.addr = %q, want %q", got, ":7070")
	}
	// Untouched keys keep their defaults.
	if got := v.GetString("database.path"); got != "plugkit.db" {
		t.Errorf("database.path = %q, want default", got)
	}
}

func TestLoad_env_override(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PLUGKIT_LOGGING_LEVEL", "debug")

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetString("logging.level"); got != "debug" {
		t.Errorf("logging.level = %q, want %q", got, "debug")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json_info", "info", "json", false},
		{"console_debug", "debug", "console", false},
		{"bad_level", "loud", "json", true},
		{"bad_format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set("logging.level", tt.level)
			v.Set("logging.format", tt.format)

			logger, err := NewLogger(v)
			if tt.wantErr {
				if err == nil {
					t.Error("NewLogger should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			want, _ := zapcore.ParseLevel(tt.level)
			if !logger.Core().Enabled(want) {
				t.Errorf("level %v not enabled", want)
			}
		})
	}
}

func TestViperConfig_sub(t *testing.T) {
	v := viper.New()
	v.Set("plugins.demo.settings.theme", "dark")
	v.Set("plugins.demo.poll", "45s")

	cfg := New(v).Sub("plugins.demo")
	if !cfg.IsSet("settings.theme") {
		t.Fatal("scoped key not visible through Sub")
	}
	if got := cfg.GetString("settings.theme"); got != "dark" {
		t.Errorf("settings.theme = %q, want %q", got, "dark")
	}
	if got := cfg.GetDuration("poll"); got != 45*time.Second {
		t.Errorf("poll = %v, want 45s", got)
	}
	if cfg.IsSet("settings.missing") {
		t.Error("absent key reported as set")
	}

	// Sub of an absent key yields an empty config, not nil.
	empty := New(v).Sub("plugins.other")
	if empty == nil {
		t.Fatal("Sub returned nil for absent key")
	}
	if empty.IsSet("anything") {
		t.Error("empty sub-config reported a key as set")
	}
}
