package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Runner.TasksFile != "tasks.yaml" {
		t.Errorf("tasks file = %s", cfg.Runner.TasksFile)
	}
	if cfg.Paths.LogsPath() != filepath.Join("data", "logs") {
		t.Errorf("logs path = %s", cfg.Paths.LogsPath())
	}
	if cfg.Auth.Enabled() {
		t.Error("auth enabled without credentials")
	}
}

func TestLegacyEnvBindings(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REPO_URL", "git@example.com:acme/widgets.git")
	t.Setenv("REPO_NAME", "acme/widgets")
	t.Setenv("BASE_URL", "https://ci.example.com")
	t.Setenv("TASKS_FILE", "ci/tasks.yaml")
	t.Setenv("ADDITIONAL_MOUNTS", "/cache:/cache, /secrets:/secrets:ro")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Repo.URL != "git@example.com:acme/widgets.git" {
		t.Errorf("repo url = %s", cfg.Repo.URL)
	}
	if cfg.Repo.Name != "acme/widgets" {
		t.Errorf("repo name = %s", cfg.Repo.Name)
	}
	if cfg.Repo.BaseURL != "https://ci.example.com" {
		t.Errorf("base url = %s", cfg.Repo.BaseURL)
	}
	if cfg.Runner.TasksFile != "ci/tasks.yaml" {
		t.Errorf("tasks file = %s", cfg.Runner.TasksFile)
	}
	want := []string{"/cache:/cache", "/secrets:/secrets:ro"}
	if len(cfg.Runner.AdditionalMounts) != len(want) {
		t.Fatalf("mounts = %v", cfg.Runner.AdditionalMounts)
	}
	for i := range want {
		if cfg.Runner.AdditionalMounts[i] != want[i] {
			t.Errorf("mounts = %v, want %v", cfg.Runner.AdditionalMounts, want)
		}
	}
}

func TestInvalidMountRejected(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADDITIONAL_MOUNTS", "justonepart")
	if _, err := Load(); err == nil {
		t.Fatal("invalid mount accepted")
	}
}

func TestExternalPathMapping(t *testing.T) {
	p := PathsConfig{Data: "/srv/kiln/data", ExternalData: "/host/data"}
	got := p.External("/srv/kiln/data/logs/x")
	if got != "/host/data/logs/x" {
		t.Errorf("external = %s", got)
	}
	p.ExternalData = ""
	if got := p.External("/srv/kiln/data/logs/x"); got != "/srv/kiln/data/logs/x" {
		t.Errorf("unmapped external = %s", got)
	}
}
