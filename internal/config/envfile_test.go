package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\nC='quoted value'\n=ignored\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	// order not guaranteed; validate contents by map
	m := make(map[string]string)
	for _, kv := range pairs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if m["A"] != "1" || m["B"] != "two" || m["C"] != "quoted value" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
	if len(m) != 3 {
		t.Fatalf("expected 3 pairs, got %+v", m)
	}
}

func TestApplyEnvFileKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("JK_TEST_SET=file\nJK_TEST_NEW=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("JK_TEST_SET", "process")
	t.Setenv("JK_TEST_NEW", "")
	_ = os.Unsetenv("JK_TEST_NEW")

	if err := applyEnvFile(dotenv); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := os.Getenv("JK_TEST_SET"); got != "process" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("JK_TEST_NEW"); got != "file" {
		t.Fatalf("new variable not applied: %q", got)
	}
}

func TestApplyEnvFileMissing(t *testing.T) {
	if err := applyEnvFile(filepath.Join(t.TempDir(), "nope.env")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
