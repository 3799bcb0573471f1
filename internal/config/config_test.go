package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.QoS.QPS != 5 {
		t.Errorf("QPS = %v, want 5", cfg.QoS.QPS)
	}
	if cfg.QoS.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.QoS.MaxConcurrent)
	}
	if !cfg.Strm.KeepStructure {
		t.Error("KeepStructure should default to true")
	}
	if cfg.Incremental.CheckMethod != "mtime" {
		t.Errorf("CheckMethod = %q, want mtime", cfg.Incremental.CheckMethod)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9527 {
		t.Errorf("Port = %d, want 9527", cfg.Server.Port)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
openlist:
  host: http://remote:5244/
  token: abc123
paths:
  source: ["/movies", "/shows"]
  output: /out
path_mapping:
  /movies: http://cdn.example.com/m
qos:
  qps: 2
  max_concurrent: 1
  interval_ms: 500
incremental:
  check_method: both
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenList.Host != "http://remote:5244" {
		t.Errorf("Host = %q, want trailing slash trimmed", cfg.OpenList.Host)
	}
	if len(cfg.Paths.Source) != 2 {
		t.Errorf("Source = %v, want 2 folders", cfg.Paths.Source)
	}
	if cfg.PathMapping["/movies"] != "http://cdn.example.com/m" {
		t.Errorf("PathMapping = %v", cfg.PathMapping)
	}
	if cfg.QoS.QPS != 2 || cfg.QoS.MaxConcurrent != 1 || cfg.QoS.IntervalMs != 500 {
		t.Errorf("QoS = %+v", cfg.QoS)
	}
	if cfg.Incremental.CheckMethod != "both" {
		t.Errorf("CheckMethod = %q, want both", cfg.Incremental.CheckMethod)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("openlist:\n  host: http://file:5244\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SS_OPENLIST_HOST", "http://env:5244")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenList.Host != "http://env:5244" {
		t.Errorf("Host = %q, want env value", cfg.OpenList.Host)
	}
}

func TestLoad_InvalidCheckMethod(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("incremental:\n  check_method: md5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid check_method")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Paths.Source = []string{"/lib"}
	cfg.OpenList.Token = "tok"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Paths.Source) != 1 || loaded.Paths.Source[0] != "/lib" {
		t.Errorf("Source = %v, want [/lib]", loaded.Paths.Source)
	}
	if loaded.OpenList.Token != "tok" {
		t.Errorf("Token = %q, want tok", loaded.OpenList.Token)
	}
}
