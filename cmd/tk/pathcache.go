package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/shotgunsoftware/tk-core-sub000/internal/config"
	"github.com/shotgunsoftware/tk-core-sub000/internal/pathcache"
)

var pathcacheCmd = &cobra.Command{
	Use:   "pathcache",
	Short: "Path cache management",
	Long: `Manage the local path cache database.

The path cache maps project folders on disk to tracking-system entities.
It is kept consistent with the server through the remote event log.`,
}

var syncFull bool

var pathcacheSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the path cache against the server",
	Long: `Reconcile the local path cache with the server.

Local folder entries that were never pushed are uploaded first. Then the
remote event log decides between an incremental catch-up and a full
rebuild of the local cache. Use --full to force a full rebuild.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		client := newClient()
		if client == nil {
			fatalf("no tracking server configured (set shotgun.url)")
		}

		cache, err := pathcache.Open(cfg.PathCacheFile(), cfg.Roots, client, nil)
		if err != nil {
			fatalf("opening path cache: %v", err)
		}
		defer cache.Close()

		var bar *pb.ProgressBar
		cache.Progress = func(done, total int) {
			if bar == nil {
				bar = pb.StartNew(total)
			}
			bar.SetCurrent(int64(done))
		}

		items, err := cache.Synchronize(context.Background(), syncFull)
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			fatalf("sync failed: %v", err)
		}

		fmt.Printf("Sync complete, %d entries added\n", len(items))
		for _, item := range items {
			fmt.Printf("   %s -> %s\n", item.Path, item.Entity)
		}
	},
}

var pathcacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show path cache status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		dbPath := cfg.PathCacheFile()
		info, err := os.Stat(dbPath)
		if os.IsNotExist(err) {
			fmt.Println("Path cache not initialized; run 'tk pathcache sync' to create it")
			return
		}
		if err != nil {
			fatalf("checking cache: %v", err)
		}

		cache, err := pathcache.Open(dbPath, cfg.Roots, nil, nil)
		if err != nil {
			fatalf("opening path cache: %v", err)
		}
		defer cache.Close()

		count, err := cache.RowCount()
		if err != nil {
			fatalf("counting rows: %v", err)
		}
		watermark, ok, err := cache.Watermark()
		if err != nil {
			fatalf("reading watermark: %v", err)
		}

		fmt.Printf("Location:  %s\n", dbPath)
		fmt.Printf("Size:      %d bytes\n", info.Size())
		fmt.Printf("Entries:   %d\n", count)
		if ok {
			fmt.Printf("Watermark: event %d\n", watermark)
		} else {
			fmt.Printf("Watermark: none (never synchronized)\n")
		}
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister <path>",
	Short: "Remove folder associations for a path and everything under it",
	Long: `Remove every path↔entity association at or below the given path.

Associations known to the server are retired there first; a remote
failure leaves the local cache untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		cache, err := pathcache.Open(cfg.PathCacheFile(), cfg.Roots, newClient(), nil)
		if err != nil {
			fatalf("opening path cache: %v", err)
		}
		defer cache.Close()

		entries, err := cache.Unregister(context.Background(), args[0])
		if err != nil {
			fatalf("unregister failed: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("Nothing registered under that path")
			return
		}
		fmt.Printf("Unregistered %d folders:\n", len(entries))
		for _, e := range entries {
			fmt.Printf("   %s (%s)\n", e.Path, e.Entity)
		}
	},
}

// mustLoadConfig loads and validates the pipeline configuration.
func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fatalf("loading configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %v", err)
	}
	return cfg
}

func init() {
	pathcacheSyncCmd.Flags().BoolVar(&syncFull, "full", false, "force a full rebuild of the local cache")
	pathcacheCmd.AddCommand(pathcacheSyncCmd)
	pathcacheCmd.AddCommand(pathcacheStatusCmd)
	rootCmd.AddCommand(pathcacheCmd)
	rootCmd.AddCommand(unregisterCmd)
}
