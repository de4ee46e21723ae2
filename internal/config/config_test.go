package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestApplyBindIPOverridesAddressOnly(t *testing.T) {
	cfg := Default()
	cfg.DNSBind = "0.0.0.0:53"
	cfg.BindIP = "192.168.1.5"

	if err := applyBindIP(&cfg); err != nil {
		t.Fatalf("applyBindIP: %v", err)
	}
	if cfg.DNSBind != "192.168.1.5:53" {
		t.Fatalf("DNSBind = %q, want 192.168.1.5:53", cfg.DNSBind)
	}
}

func TestApplyBindIPNoopWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.DNSBind = "0.0.0.0:53"

	if err := applyBindIP(&cfg); err != nil {
		t.Fatalf("applyBindIP: %v", err)
	}
	if cfg.DNSBind != "0.0.0.0:53" {
		t.Fatalf("DNSBind = %q, want unchanged", cfg.DNSBind)
	}
}

func TestLoadPrecedenceTOMLThenJSONThenEnv(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	if err := os.WriteFile("glued.toml", []byte(`network_name = "from-toml"
dns_bind = "0.0.0.0:1053"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("glued.json", []byte(`{"network_name":"from-json"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GLUED_CLUSTER_SECRET", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NetworkName != "from-json" {
		t.Fatalf("NetworkName = %q, want from-json (JSON overrides TOML)", cfg.NetworkName)
	}
	if cfg.DNSBind != "0.0.0.0:1053" {
		t.Fatalf("DNSBind = %q, want 0.0.0.0:1053 (TOML-only key preserved)", cfg.DNSBind)
	}
	if cfg.ClusterSecret != "from-env" {
		t.Fatalf("ClusterSecret = %q, want from-env (env overrides all files)", cfg.ClusterSecret)
	}
}

func TestLoadMissingFilesNotAnError(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterSecret != defaultClusterSecret {
		t.Fatalf("ClusterSecret = %q, want default", cfg.ClusterSecret)
	}
}

func TestLoadClusterSecretFile(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte("  file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envSecretFileVar, secretPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterSecret != "file-secret" {
		t.Fatalf("ClusterSecret = %q, want file-secret (trimmed)", cfg.ClusterSecret)
	}
}

func TestLoadBootstrapPeersFromEnvIsCommaSplit(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	t.Setenv("GLUED_BOOTSTRAP_PEERS", "aa,bb,cc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"aa", "bb", "cc"}
	if len(cfg.BootstrapPeers) != len(want) {
		t.Fatalf("BootstrapPeers = %v, want %v", cfg.BootstrapPeers, want)
	}
	for i := range want {
		if cfg.BootstrapPeers[i] != want[i] {
			t.Fatalf("BootstrapPeers = %v, want %v", cfg.BootstrapPeers, want)
		}
	}
}

func TestRole(t *testing.T) {
	cfg := Default()
	if replica, _ := cfg.Role(); replica {
		t.Fatalf("Role() replica = true with no network_name, want false")
	}
	cfg.NetworkName = "overlay0"
	if replica, name := cfg.Role(); !replica || name != "overlay0" {
		t.Fatalf("Role() = %v, %q, want true, overlay0", replica, name)
	}
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	return func() { _ = os.Chdir(old) }
}
