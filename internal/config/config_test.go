package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "OpenMCP-Fleet/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "coordinator": {"vault_address": "0xvault", "protected_ids": ["risk"]},
  "policy": {"rule_book": "rules.yaml"},
  "agents": [
    {"id": "alpha", "role": "trader", "address": "0xa1", "interval": "15s"},
    {"id": "beta", "address": "0xb1"}
  ]
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" || cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected server/storage defaults: %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.Storage.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir not resolved: %s", cfg.Storage.DataDir)
	}
	if cfg.Policy.RuleBook != filepath.Join(dir, "rules.yaml") || cfg.Policy.FallbackMode != "conservative" {
		t.Fatalf("unexpected policy config: %+v", cfg.Policy)
	}
	if cfg.Events.Capacity != 500 || cfg.Web3.Mode != "ledger" || cfg.Planner.Provider != "rule" {
		t.Fatalf("unexpected defaults: %+v %+v %+v", cfg.Events, cfg.Web3, cfg.Planner)
	}
	if cfg.Agents[0].Interval.Std() != 15*time.Second {
		t.Fatalf("interval not parsed: %v", cfg.Agents[0].Interval.Std())
	}
	if cfg.Agents[1].Interval.Std() != time.Minute {
		t.Fatalf("interval default not applied: %v", cfg.Agents[1].Interval.Std())
	}
	if *cfg.Coordinator.Precision != 6 || *cfg.Coordinator.GasReserve != 0.005 || *cfg.Coordinator.DustThreshold != 0.001 || cfg.Coordinator.HistoryCap != 100 {
		t.Fatalf("unexpected coordinator defaults: %+v", cfg.Coordinator)
	}
}

func TestLoadKeepsExplicitZeroThresholds(t *testing.T) {
	path := writeConfig(t, `{"coordinator": {"vault_address": "0xv", "gas_reserve": 0, "dust_threshold": 0, "precision": 0}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	co := cfg.Coordinator
	if *co.GasReserve != 0 || *co.DustThreshold != 0 || *co.Precision != 0 {
		t.Fatalf("explicit zeros replaced by defaults: gas=%v dust=%v precision=%v", *co.GasReserve, *co.DustThreshold, *co.Precision)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"bad json":        `{"server": `,
		"negative dust":   `{"coordinator": {"vault_address": "0xv", "dust_threshold": -1}}`,
		"duplicate agent": `{"coordinator": {"vault_address": "0xv"}, "agents": [{"id": "a", "address": "0x1"}, {"id": "a", "address": "0x2"}]}`,
		"unknown driver":  `{"coordinator": {"vault_address": "0xv"}, "storage": {"driver": "sqlite"}}`,
		"negative weight": `{"coordinator": {"vault_address": "0xv", "role_weights": {"trader": -0.1}}}`,
		"missing key env": `{"web3": {"mode": "ethereum"}, "coordinator": {"vault_key_env": "VAULT_KEY"}, "agents": [{"id": "a"}]}`,
		"bad fallback":    `{"coordinator": {"vault_address": "0xv"}, "policy": {"fallback_mode": "yolo"}}`,
		"bad duration":    `{"coordinator": {"vault_address": "0xv", "default_interval": "soon"}}`,
		"apikey no keys":  `{"coordinator": {"vault_address": "0xv"}, "auth": {"mode": "apikey"}}`,
		"unknown auth":    `{"coordinator": {"vault_address": "0xv"}, "auth": {"mode": "ldap"}}`,
		"precision range": `{"coordinator": {"vault_address": "0xv", "precision": 19}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfig {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestResolvePathHonoursEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/fleet/fleet.json")
	if got := ResolvePath(); got != "/etc/fleet/fleet.json" {
		t.Fatalf("unexpected path %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(); got != DefaultPath {
		t.Fatalf("unexpected default path %s", got)
	}
}
