package harvest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	// WHAT: a zero config fills in every operational default.
	// WHY: cmd callers pass sparse configs; zero values must never reach
	// the fetch pool or the queue.
	cfg := &Config{}
	cfg.defaults()

	if cfg.Fetch.Workers != 6 {
		t.Errorf("workers = %d, want 6", cfg.Fetch.Workers)
	}
	if cfg.Fetch.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Fetch.MaxAttempts)
	}
	if cfg.Fetch.HostInterval <= 0 || cfg.Fetch.HostJitter <= 0 {
		t.Error("politeness spacing must default on")
	}
	if cfg.DBPath == "" || cfg.DocsDir == "" {
		t.Error("paths must default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	// WHAT: YAML values override defaults; unset values still default.
	// WHY: operators tune a handful of knobs and expect the rest to hold.
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	body := `
db_path: /data/harvest.db
docs_dir: /data/docs
fetch:
  workers: 12
  max_attempts: 5
  host_interval: 2s
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()

	if cfg.DBPath != "/data/harvest.db" || cfg.Fetch.Workers != 12 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Fetch.MaxAttempts != 5 || cfg.Fetch.HostInterval != 2*time.Second {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Fetch.BackoffBase != 2*time.Second {
		t.Errorf("backoff base = %v, want default 2s", cfg.Fetch.BackoffBase)
	}
}
