// Package config holds the pipeline configuration the path cache and bundle
// cache subsystems operate under: the per-OS storage root mapping, the
// location of the pipeline configuration cache directory, and the bundle
// cache root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// PrimaryRootName is the symbolic name of the default storage root.
const PrimaryRootName = "primary"

// Root describes one storage root with its absolute path per operating
// system. Paths for platforms the studio does not use may be empty.
type Root struct {
	LinuxPath   string `yaml:"linux_path"`
	MacPath     string `yaml:"mac_path"`
	WindowsPath string `yaml:"windows_path"`
}

// CurrentPath returns the root's absolute path for the running OS.
// Returns an empty string if no path is configured for this platform.
func (r Root) CurrentPath() string {
	switch runtime.GOOS {
	case "windows":
		return r.WindowsPath
	case "darwin":
		return r.MacPath
	default:
		return r.LinuxPath
	}
}

// StorageRoots maps symbolic root names (e.g. "primary") to their per-OS
// paths. It is the authority for converting between absolute on-disk paths
// and (root, relative-path) pairs stored in the path cache.
type StorageRoots map[string]Root

// LoadRoots reads a roots.yml file.
//
// Expected format:
//
//	primary:
//	  linux_path: /mnt/projects
//	  mac_path: /Volumes/projects
//	  windows_path: 'P:\projects'
func LoadRoots(path string) (StorageRoots, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roots file: %w", err)
	}
	return ParseRoots(data)
}

// ParseRoots parses roots.yml content.
func ParseRoots(data []byte) (StorageRoots, error) {
	var roots StorageRoots
	if err := yaml.Unmarshal(data, &roots); err != nil {
		return nil, fmt.Errorf("failed to parse roots file: %w", err)
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("roots file defines no storage roots")
	}
	return roots, nil
}

// Names returns the configured root names. Order is not defined.
func (s StorageRoots) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// Config is the resolved pipeline configuration for one project.
type Config struct {
	// CacheDir is the pipeline-configuration-specific cache directory.
	// The path cache database lives here.
	CacheDir string

	// BundleCacheRoot is the directory tree under which bundle packages
	// are cached. The usage database lives at its top level.
	BundleCacheRoot string

	// Roots is the storage root mapping from roots.yml.
	Roots StorageRoots
}

// PathCacheFile returns the on-disk location of the path cache database.
func (c *Config) PathCacheFile() string {
	return filepath.Join(c.CacheDir, "path_cache.db")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache directory is not configured")
	}
	if len(c.Roots) == 0 {
		return fmt.Errorf("no storage roots configured")
	}
	for name, root := range c.Roots {
		if root.CurrentPath() == "" {
			return fmt.Errorf("storage root %q has no path for this platform", name)
		}
	}
	return nil
}
