package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBaseDirHonoursHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAWCORE_HOME", dir)

	base, err := BaseDir()
	if err != nil || base != dir {
		t.Fatalf("BaseDir() = %q, %v", base, err)
	}
	jobs, _ := CronJobsPath()
	if want := filepath.Join(dir, "cron", "jobs.json"); jobs != want {
		t.Errorf("CronJobsPath() = %q, want %q", jobs, want)
	}
	runs, _ := CronRunsDir()
	if want := filepath.Join(dir, "cron", "runs"); runs != want {
		t.Errorf("CronRunsDir() = %q, want %q", runs, want)
	}
}

func TestConfigPathPrefersWorkingDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWCORE_HOME", home)
	t.Chdir(t.TempDir())

	if p, err := ConfigPath(); err != nil || p != "" {
		t.Fatalf("no config: ConfigPath() = %q, %v", p, err)
	}

	global := filepath.Join(home, "clawcore.yaml")
	if err := os.WriteFile(global, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if p, _ := ConfigPath(); p != global {
		t.Errorf("ConfigPath() = %q, want %q", p, global)
	}

	if err := os.WriteFile("clawcore.toml", nil, 0600); err != nil {
		t.Fatal(err)
	}
	p, _ := ConfigPath()
	if filepath.Base(p) != "clawcore.toml" || !filepath.IsAbs(p) {
		t.Errorf("ConfigPath() = %q, want absolute local clawcore.toml", p)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := map[string]string{
		"":            "",
		"/abs/path":   "/abs/path",
		"rel/path":    "rel/path",
		"~":           home,
		"~/workspace": filepath.Join(home, "workspace"),
	}
	for in, want := range tests {
		if got, err := ExpandTilde(in); err != nil || got != want {
			t.Errorf("ExpandTilde(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("directory not created: %v", err)
	}
}
