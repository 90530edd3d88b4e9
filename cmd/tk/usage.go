package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shotgunsoftware/tk-core-sub000/internal/bundlecache/scanner"
	"github.com/shotgunsoftware/tk-core-sub000/internal/bundlecache/tracker"
	"github.com/shotgunsoftware/tk-core-sub000/internal/bundlecache/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Bundle cache usage tracking",
	Long: `Inspect and maintain the bundle usage database.

Every access of a cached bundle package is recorded with a timestamp and
a counter, so packages that have not been used for a long time can be
found and evicted.`,
}

// bundleRoot returns the configured bundle cache root or exits.
func bundleRoot() string {
	root := viper.GetString("bundle_cache_root")
	if root == "" {
		fatalf("no bundle cache root configured (set bundle_cache_root)")
	}
	return root
}

var usageLogCmd = &cobra.Command{
	Use:   "log <path>",
	Short: "Record one access of a cached bundle",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := usage.Open(bundleRoot())
		if err != nil {
			fatalf("opening usage database: %v", err)
		}
		defer store.Close()

		if err := store.LogUsage(args[0]); err != nil {
			fatalf("logging usage: %v", err)
		}
	},
}

var usageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked bundles",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := usage.Open(bundleRoot())
		if err != nil {
			fatalf("opening usage database: %v", err)
		}
		defer store.Close()

		count, err := store.GetBundleCount()
		if err != nil {
			fatalf("counting bundles: %v", err)
		}
		entries, err := store.GetUnusedBundles(time.Now().Unix())
		if err != nil {
			fatalf("listing bundles: %v", err)
		}

		fmt.Printf("%d tracked bundles\n", count)
		for _, e := range entries {
			last := time.Unix(e.LastUsageTimestamp, 0).Format("2006-01-02 15:04:05")
			fmt.Printf("   %-60s used %4d times, last %s\n", e.Path, e.UsageCount, last)
		}
	},
}

var (
	purgeDays   int
	purgeDelete bool
)

var usagePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Find (and optionally delete) bundles unused for a while",
	Long: `List bundles whose last recorded usage is older than --days.

With --delete, the tracking entries are removed. The bundle files
themselves are left on disk; removing them is up to the surrounding
cleanup tooling.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := usage.Open(bundleRoot())
		if err != nil {
			fatalf("opening usage database: %v", err)
		}
		defer store.Close()

		cutoff := time.Now().Add(-time.Duration(purgeDays) * 24 * time.Hour).Unix()
		entries, err := store.GetUnusedBundles(cutoff)
		if err != nil {
			fatalf("querying unused bundles: %v", err)
		}
		if len(entries) == 0 {
			fmt.Printf("No bundles unused for more than %d days\n", purgeDays)
			return
		}

		for _, e := range entries {
			if purgeDelete {
				if err := store.DeleteEntry(e); err != nil {
					fatalf("deleting entry %s: %v", e.Path, err)
				}
				fmt.Printf("Purged  %s\n", e.Path)
			} else {
				fmt.Printf("Unused  %s\n", e.Path)
			}
		}
		if !purgeDelete {
			fmt.Printf("%d candidates; re-run with --delete to purge\n", len(entries))
		}
	},
}

var usageTrackCmd = &cobra.Command{
	Use:   "track",
	Short: "Watch the bundle cache and track bundles as they appear (foreground)",
	Long: `Run the usage tracking worker in the foreground.

Existing bundles are seeded into the usage database as unused entries,
then the cache root is watched so bundles installed while the worker is
running are registered too. Stop with Ctrl+C.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := bundleRoot()

		logger := log.New(&lumberjack.Logger{
			Filename:   filepath.Join(root, "bundle_usage.log"),
			MaxSize:    5, // MB
			MaxBackups: 3,
		}, "[tracker] ", log.LstdFlags)

		trackerCfg := tracker.DefaultConfig()
		trackerCfg.Logger = logger

		tr, err := tracker.GetWithConfig(root, trackerCfg)
		if err != nil {
			fatalf("starting usage tracker: %v", err)
		}

		sc, err := scanner.New(root, tr, logger)
		if err != nil {
			fatalf("creating scanner: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := sc.Start(ctx); err != nil {
			fatalf("starting scanner: %v", err)
		}

		seeded, err := sc.SeedExisting()
		if err != nil {
			logger.Printf("Warning: initial scan incomplete: %v", err)
		}
		fmt.Printf("Tracking bundle usage under %s (%d bundles seeded)\n", root, seeded)
		fmt.Println("Press Ctrl+C to stop")

		<-ctx.Done()

		if err := sc.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping scanner: %v\n", err)
		}
		if err := tr.Stop(30 * time.Second); err != nil {
			fatalf("stopping tracker: %v", err)
		}
		fmt.Printf("\nStopped; %d updates applied\n", tr.CompletedCount())
	},
}

func init() {
	usagePurgeCmd.Flags().IntVar(&purgeDays, "days", 60, "age threshold in days")
	usagePurgeCmd.Flags().BoolVar(&purgeDelete, "delete", false, "delete the entries instead of listing them")
	usageCmd.AddCommand(usageLogCmd)
	usageCmd.AddCommand(usageListCmd)
	usageCmd.AddCommand(usagePurgeCmd)
	usageCmd.AddCommand(usageTrackCmd)
	rootCmd.AddCommand(usageCmd)
}
