// Command tk manages the Toolkit path cache and bundle cache for one
// pipeline configuration.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shotgunsoftware/tk-core-sub000/internal/config"
	"github.com/shotgunsoftware/tk-core-sub000/internal/shotgun"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tk",
	Short: "Toolkit pipeline cache management",
	Long: `Manage the Toolkit path cache and bundle cache.

The path cache is a local SQLite database mapping project folders to
tracking-system entities, kept consistent with the server through an
event-log based sync. The bundle cache tracks when locally cached bundle
packages were last used, so stale packages can be evicted.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./tk.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tk")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TK")
	viper.AutomaticEnv()

	// Missing config file is fine; everything can come from env vars.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig materializes the pipeline configuration from viper settings.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{
		CacheDir:        viper.GetString("cache_dir"),
		BundleCacheRoot: viper.GetString("bundle_cache_root"),
	}

	rootsFile := viper.GetString("roots_file")
	if rootsFile != "" {
		roots, err := config.LoadRoots(rootsFile)
		if err != nil {
			return nil, err
		}
		cfg.Roots = roots
	}
	return cfg, nil
}

// newClient builds the tracking-system client from configuration, or nil
// when no server is configured (local-only operation).
func newClient() shotgun.Client {
	url := viper.GetString("shotgun.url")
	if url == "" {
		return nil
	}
	return shotgun.NewClient(url, viper.GetString("shotgun.script_name"), viper.GetString("shotgun.api_key"))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
