package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainpilot.json")
	content := `{"web3":{"chain_config":"chains.yaml"},"tools":{"include_payable_functions":false},"workflow":{"definitions_dir":"/abs/defs"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("relative chain config not resolved: %q", cfg.Web3.ChainConfig)
	}
	if cfg.Workflow.DefinitionsDir != "/abs/defs" {
		t.Fatalf("absolute path should be kept: %q", cfg.Workflow.DefinitionsDir)
	}
	if cfg.Analysis.MaxSelectors != 20 || cfg.Tools.MaxToolsPerContract != 25 {
		t.Fatalf("unexpected analysis/tool defaults: %+v %+v", cfg.Analysis, cfg.Tools)
	}
	if !*cfg.Tools.IncludeReadFunctions || *cfg.Tools.IncludePayableFunctions {
		t.Fatalf("unexpected include flags")
	}
	if cfg.Workflow.GasThresholdWei != DefaultGasThresholdWei || cfg.Workflow.WaitDuration().Milliseconds() != 5000 {
		t.Fatalf("unexpected workflow defaults: %+v", cfg.Workflow)
	}
	if cfg.Cache.Driver != "memory" || cfg.TaskQueue.Driver != "memory" || cfg.Storage.TaskStore.Driver != "memory" {
		t.Fatalf("unexpected drivers")
	}
	if cfg.Alerting.MinSeverity != "warning" || cfg.Alerting.Timeout().Seconds() != 5 {
		t.Fatalf("unexpected alerting defaults: %+v", cfg.Alerting)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CHAINPILOT_RPC_URL":       "http://localhost:8545",
		"CHAINPILOT_TASK_WORKERS":  "9",
		"CHAINPILOT_CACHE_DRIVER":  "redis",
		"CHAINPILOT_ALERT_WEBHOOK": "http://hooks.local/alert",
	}
	var cfg Config
	cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	cfg.applyDefaults(".")

	if cfg.Web3.RPCURL != "http://localhost:8545" {
		t.Fatalf("rpc url override ignored")
	}
	if cfg.TaskQueue.Worker != 9 {
		t.Fatalf("worker override ignored: %d", cfg.TaskQueue.Worker)
	}
	if cfg.Cache.Driver != "redis" {
		t.Fatalf("cache driver override ignored")
	}
	if cfg.Alerting.WebhookURL != "http://hooks.local/alert" {
		t.Fatalf("alert webhook override ignored")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected empty path error")
	}
}
