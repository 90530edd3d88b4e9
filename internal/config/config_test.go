package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

const rootsYAML = `
primary:
  linux_path: /mnt/projects
  mac_path: /Volumes/projects
  windows_path: 'P:\projects'
secondary:
  linux_path: /mnt/renders
`

func TestParseRoots(t *testing.T) {
	roots, err := ParseRoots([]byte(rootsYAML))
	if err != nil {
		t.Fatalf("ParseRoots() failed: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("parsed %d roots, want 2", len(roots))
	}

	primary, ok := roots[PrimaryRootName]
	if !ok {
		t.Fatal("primary root missing")
	}
	if primary.LinuxPath != "/mnt/projects" {
		t.Errorf("LinuxPath = %q, want /mnt/projects", primary.LinuxPath)
	}
	if primary.WindowsPath != `P:\projects` {
		t.Errorf("WindowsPath = %q, want P:\\projects", primary.WindowsPath)
	}

	// secondary defines no mac or windows path; those stay empty rather
	// than erroring.
	if roots["secondary"].MacPath != "" {
		t.Errorf("MacPath = %q, want empty", roots["secondary"].MacPath)
	}
}

func TestParseRoots_Invalid(t *testing.T) {
	if _, err := ParseRoots([]byte("{not yaml")); err == nil {
		t.Error("ParseRoots() accepted malformed input")
	}
	if _, err := ParseRoots([]byte("")); err == nil {
		t.Error("ParseRoots() accepted an empty roots file")
	}
}

func TestLoadRoots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roots.yml")
	if err := os.WriteFile(path, []byte(rootsYAML), 0o644); err != nil {
		t.Fatalf("failed to write roots file: %v", err)
	}

	roots, err := LoadRoots(path)
	if err != nil {
		t.Fatalf("LoadRoots() failed: %v", err)
	}
	if len(roots) != 2 {
		t.Errorf("loaded %d roots, want 2", len(roots))
	}

	if _, err := LoadRoots(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("LoadRoots() succeeded for missing file")
	}
}

func TestCurrentPath(t *testing.T) {
	root := Root{
		LinuxPath:   "/mnt/projects",
		MacPath:     "/Volumes/projects",
		WindowsPath: `P:\projects`,
	}

	var want string
	switch runtime.GOOS {
	case "windows":
		want = root.WindowsPath
	case "darwin":
		want = root.MacPath
	default:
		want = root.LinuxPath
	}
	if got := root.CurrentPath(); got != want {
		t.Errorf("CurrentPath() = %q, want %q", got, want)
	}

	if got := (Root{}).CurrentPath(); got != "" {
		t.Errorf("CurrentPath() on empty root = %q, want empty", got)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	valid := Config{
		CacheDir:        dir,
		BundleCacheRoot: dir,
		Roots: StorageRoots{
			PrimaryRootName: {LinuxPath: dir, MacPath: dir, WindowsPath: dir},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() on valid config failed: %v", err)
	}

	noCache := valid
	noCache.CacheDir = ""
	if err := noCache.Validate(); err == nil {
		t.Error("Validate() accepted empty cache dir")
	}

	noRoots := valid
	noRoots.Roots = nil
	if err := noRoots.Validate(); err == nil {
		t.Error("Validate() accepted empty roots")
	}

	platformless := valid
	platformless.Roots = StorageRoots{"primary": {}}
	if err := platformless.Validate(); err == nil {
		t.Error("Validate() accepted root with no path for this platform")
	}
}

func TestPathCacheFile(t *testing.T) {
	c := Config{CacheDir: filepath.Join("some", "cache")}
	want := filepath.Join("some", "cache", "path_cache.db")
	if got := c.PathCacheFile(); got != want {
		t.Errorf("PathCacheFile() = %q, want %q", got, want)
	}
}
