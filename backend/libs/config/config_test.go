package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type sample struct {
	Label string `yaml:"label"`
	Inner struct {
		Port    int           `yaml:"port"`
		Timeout time.Duration `yaml:"timeout"`
		Mask    uint8         `yaml:"mask"`
	} `yaml:"inner"`
	Flag    bool     `yaml:"flag" env:"SAMPLE_FLAG"`
	Peers   []string `yaml:"peers"`
	Skipped string   `yaml:"skipped" env:"-"`
}

func TestLoadConfigFromFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yml")
	body := "label: file\ninner:\n  port: 10\n  timeout: 2s\npeers: [a]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("INNER_PORT", "20")
	t.Setenv("INNER_TIMEOUT", "750ms")
	t.Setenv("INNER_MASK", "0x0f")
	t.Setenv("SAMPLE_FLAG", "true")
	t.Setenv("PEERS", "b, c,,")
	t.Setenv("SKIPPED", "nope")

	var cfg sample
	if err := LoadConfigFrom(path, &cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Label != "file" {
		t.Fatalf("expected label from file, got %q", cfg.Label)
	}
	if cfg.Inner.Port != 20 {
		t.Fatalf("expected env override port 20, got %d", cfg.Inner.Port)
	}
	if cfg.Inner.Timeout != 750*time.Millisecond {
		t.Fatalf("expected env duration 750ms, got %s", cfg.Inner.Timeout)
	}
	if cfg.Inner.Mask != 0x0f {
		t.Fatalf("expected hex mask, got %d", cfg.Inner.Mask)
	}
	if !cfg.Flag {
		t.Fatalf("expected explicit env key to set flag")
	}
	if !reflect.DeepEqual(cfg.Peers, []string{"b", "c"}) {
		t.Fatalf("unexpected peers %v", cfg.Peers)
	}
	if cfg.Skipped != "" {
		t.Fatalf("opted-out field was set: %q", cfg.Skipped)
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfigFrom("", sample{}); err == nil {
		t.Fatalf("expected error for non-pointer target")
	}
	var nilTarget *sample
	if err := LoadConfigFrom("", nilTarget); err == nil {
		t.Fatalf("expected error for nil pointer")
	}
}

func TestLoadConfigReportsEveryBadValue(t *testing.T) {
	t.Setenv("INNER_PORT", "not-a-number")
	t.Setenv("INNER_TIMEOUT", "soon")
	var cfg sample
	err := LoadConfigFrom("", &cfg)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	for _, key := range []string{"INNER_PORT", "INNER_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
}

func TestEnvKeys(t *testing.T) {
	keys, err := EnvKeys(&sample{})
	if err != nil {
		t.Fatalf("env keys: %v", err)
	}
	want := []string{"LABEL", "INNER_PORT", "INNER_TIMEOUT", "INNER_MASK", "SAMPLE_FLAG", "PEERS"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}
