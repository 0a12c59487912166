package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MemoryMB != 128 || cfg.Copies != 3 {
		t.Errorf("defaults = %+v", cfg)
	}
	if len(cfg.Init) != 2 || cfg.Init[0] != "/sleep" {
		t.Errorf("default init = %v", cfg.Init)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	data := []byte("memory_mb: 256\ncopies: 1\ninit:\n  - /echo\ndisk_dir: /tmp/card\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MemoryMB != 256 || cfg.Copies != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Init) != 1 || cfg.Init[0] != "/echo" {
		t.Errorf("init = %v", cfg.Init)
	}
	if cfg.DiskDir != "/tmp/card" {
		t.Errorf("disk_dir = %q", cfg.DiskDir)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("missing file did not error")
	}
}

func TestFixCrlf(t *testing.T) {
	var got []byte
	w := &fixCrlf{w: writerFunc(func(p []byte) (int, error) {
		got = append(got, p...)
		return len(p), nil
	})}
	if _, err := w.Write([]byte("a\nb\n")); err != nil {
		t.Fatal(err)
	}
	if string(got) != "a\r\nb\r\n" {
		t.Errorf("wrote %q", got)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
