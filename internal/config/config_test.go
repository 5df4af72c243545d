package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
zabbix:
  url: "http://zabbix.example.com/api_jsonrpc.php"
  user: "loopd"
  password: "secret"
  device_groups: ["switches"]
  timeout_ms: 5000
  reconcile_every: "1h"
snmp:
  default_community: "public"
  port: 161
  timeout_ms: 2000
  retries: 1
poller:
  tick_interval_ms: 60000
  max_hosts: 16
  bcmax: 1000
  mavmax: 500
  mavlow: 50
  mav_window: 10
  recover_ratio: 0.5
  counter_cutoff: 500000
notifier:
  recheck_interval_ms: 2000
  retry_interval_s: 10
  max_backoff_s: 1024
  smtp_host: "smtp.example.com:25"
  mail_from: "loopd@example.com"
  mail_to: ["ops@example.com"]
store:
  data_dir: "/var/lib/loopd"
health:
  addr: "127.0.0.1:9090"
logging:
  level: "info"
  format: "json"
  output: "stdout"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "loopd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Poller.MaxHosts != 16 {
		t.Errorf("MaxHosts = %d, want 16", cfg.Poller.MaxHosts)
	}
	if cfg.Poller.RecoverRatio != 0.5 {
		t.Errorf("RecoverRatio = %v, want 0.5", cfg.Poller.RecoverRatio)
	}
	if got := cfg.Poller.GetTickInterval(); got.Seconds() != 60 {
		t.Errorf("GetTickInterval = %v, want 60s", got)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	bad := `
zabbix:
  url: "http://zabbix.example.com"
  user: "loopd"
  password: "secret"
  device_groups: ["switches"]
  timeout_ms: 5000
  reconcile_every: "1h"
`
	path := writeTempConfig(t, bad)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing sections, got nil")
	}
}

func TestLoadRecoverRatioOutOfRange(t *testing.T) {
	bad := validYAML + "\n"
	path := writeTempConfig(t, bad)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Poller.RecoverRatio = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for recover_ratio > 1")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	t.Setenv("LOOPD_SNMP_DEFAULT_COMMUNITY", "overridden")
	t.Setenv("LOOPD_POLLER_MAX_HOSTS", "32")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SNMP.DefaultCommunity != "overridden" {
		t.Errorf("DefaultCommunity = %q, want %q", cfg.SNMP.DefaultCommunity, "overridden")
	}
	if cfg.Poller.MaxHosts != 32 {
		t.Errorf("MaxHosts = %d, want 32", cfg.Poller.MaxHosts)
	}
}

func TestIsLogLevelValid(t *testing.T) {
	lc := LoggingConfig{Level: "WARN"}
	if !lc.IsLogLevelValid() {
		t.Error("expected WARN to be a valid log level")
	}
	lc.Level = "trace"
	if lc.IsLogLevelValid() {
		t.Error("expected trace to be invalid")
	}
}
