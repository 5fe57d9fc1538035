// Package main provides the annolayer CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/richinex/annolayer/cli"
	"github.com/richinex/annolayer/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	backend string
	verbose bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "annolayer",
		Short: "Cached annotation loading for whole-slide image viewers",
		Long: `A CLI for the annotation layer of an image viewer.

Annotations are listed and fetched from the image archive, kept in a
version-checked local cache, and trimmed to a point budget before drawing.

Configuration comes from the environment (or a .env file):
  ARCHIVE_URL, ARCHIVE_TOKEN, CACHE_BACKEND, CACHE_PATH, REDIS_URL, ...`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "b", "",
		fmt.Sprintf("Cache backend (%s)", strings.Join(config.SupportedBackends(), ", ")))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logging")

	// Add commands
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(cacheCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func options() cli.Options {
	opts := cli.DefaultOptions()
	opts.Backend = backend
	opts.Verbose = verbose
	return opts
}

func listCmd() *cobra.Command {
	var namePrefix string

	cmd := &cobra.Command{
		Use:   "list <itemId>",
		Short: "List the annotations of an item",
		Long: `List the annotations attached to an item in the archive.

Annotations whose body is cached at the current version are marked with *.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.List(context.Background(), args[0], namePrefix, options())
		},
	}

	cmd.Flags().StringVarP(&namePrefix, "name", "n", "", "Only show annotations whose name starts with this prefix")

	return cmd
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <itemId> [annotationId...]",
		Short: "Load annotations through the cache",
		Long: `Load annotations of an item the way the viewer does: from the cache when
the cached version is current, otherwise from the archive, then apply the
point budget and draw.

With no annotation ids every annotation on the item is loaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Load(context.Background(), args[0], args[1:], options())
		},
	}
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the annotation cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show entry count and hit rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.CacheStats(context.Background(), options())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show persistent storage usage and quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.CacheUsage(context.Background(), options())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached annotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.CacheClear(context.Background(), options())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "bypass <annotationId>",
		Short: "Drop one annotation so the next load fetches it fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.CacheBypass(context.Background(), args[0], options())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "grow <size>",
		Short: "Request a larger persistent allocation (e.g. 64MB)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.CacheGrow(context.Background(), args[0], options())
		},
	})

	return cmd
}
