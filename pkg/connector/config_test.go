package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseExampleConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.API.BaseURL == "" || cfg.API.Timeout() != 10*time.Second {
		t.Errorf("unexpected api config %+v", cfg.API)
	}
	if cfg.Database.Type != "sqlite3" || cfg.Database.URI != "" {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if _, err = cfg.Logging.Compile(); err != nil {
		t.Errorf("logging config does not compile: %v", err)
	}

	sc := cfg.SyncConfig()
	want := SyncConfig{
		PollInterval:     3 * time.Second,
		FastPollInterval: time.Second,
		FastPollTicks:    10,
		FetchTimeout:     10 * time.Second,
		PageLimit:        50,
		DefaultStaffID:   1,
	}
	if sc != want {
		t.Errorf("SyncConfig() = %+v, want %+v", sc, want)
	}
}

func TestParseConfigValidation(t *testing.T) {
	for name, body := range map[string]string{
		"bad database":   "database:\n    type: mysql\n",
		"negative ticks": "sync:\n    fast_poll_ticks: -1\n",
		"negative poll":  "sync:\n    poll_interval_ms: -5\n",
	} {
		if _, err := ParseConfig([]byte(body)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	cfg, err := ParseConfig([]byte("api:\n    base_url: http://localhost/api/\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Database.Type != "sqlite3" || cfg.Sync.InitialHistoryPages != 1 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if sc := cfg.SyncConfig().withDefaults(); sc.PollInterval != DefaultPollInterval || sc.FastPollTicks != 0 {
		t.Errorf("unexpected sync defaults %+v", sc)
	}
}

func TestLoadConfigUpgrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	old := "api:\n    base_url: https://old.example.com/api/\nsync:\n    poll_interval_ms: 5000\n"
	if err := os.WriteFile(path, []byte(old), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.BaseURL != "https://old.example.com/api/" || cfg.Sync.PollIntervalMS != 5000 {
		t.Errorf("existing values not kept: %+v", cfg)
	}
	if cfg.Sync.FastPollTicks != 10 || cfg.Sync.PageLimit != 50 {
		t.Errorf("new options not added: %+v", cfg.Sync)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), "fast_poll_ticks") {
		t.Error("upgraded config was not saved")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Sync.PollIntervalMS != 3000 {
		t.Errorf("expected example config, got %+v", cfg.Sync)
	}
}
