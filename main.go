package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/engine"
	"github.com/Belphemur/ImageCache/internal/memcache"
	"github.com/Belphemur/ImageCache/internal/store"
	"github.com/Belphemur/ImageCache/internal/sysinfo"
)

var (
	fetchWidth   int
	fetchHeight  int
	fetchOut     string
	fetchTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "imagecache",
	Short: "Fetch images through a memory, disk and network cache",
	Long: `imagecache loads remote images through a two-tier cache: decoded
images in memory, encoded bytes on disk, and the network as the last resort.

Examples:
  imagecache fetch https://example.com/cover.jpg --width 200 --height 200 --out cover.png
  imagecache dirs`,
	SilenceUsage: true,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Load one image through the cache and save it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := config.GetLogger()

		eng, err := engine.NewFromConfig(config.GetConfig())
		if err != nil {
			return err
		}
		defer func() {
			if err := eng.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close image cache engine")
			}
		}()

		ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
		defer cancel()

		img, source, err := eng.Load(ctx, args[0], fetchWidth, fetchHeight)
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		if img == nil {
			return fmt.Errorf("image %s is not available", args[0])
		}

		b := img.Bounds()
		if fetchOut == "" || fetchOut == "-" {
			if err := imaging.Encode(cmd.OutOrStdout(), img, imaging.PNG); err != nil {
				return err
			}
		} else if err := imaging.Save(img, fetchOut); err != nil {
			return err
		}

		logger.Info().
			Str("url", args[0]).
			Str("source", source.String()).
			Int("width", b.Dx()).
			Int("height", b.Dy()).
			Str("out", fetchOut).
			Msg("Image loaded")
		return nil
	},
}

var dirsCmd = &cobra.Command{
	Use:   "dirs",
	Short: "Print the cache directory and budgets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.GetConfig()
		out := cmd.OutOrStdout()

		dir := store.ResolveDir(cfg.DiskCache.Dir)
		diskBudget, err := cfg.DiskCacheMaxBytes()
		if err != nil {
			diskBudget = config.DefaultDiskCacheSize
		}
		memoryBudget, err := cfg.MemoryCacheMaxBytes()
		if err != nil || memoryBudget == 0 {
			memoryBudget = memcache.DefaultMaxBytes(cfg.MemoryCache.Fraction)
		}

		fmt.Fprintf(out, "provider:      %s\n", cfg.DiskCache.Provider)
		fmt.Fprintf(out, "disk dir:      %s\n", dir)
		fmt.Fprintf(out, "disk budget:   %s\n", humanize.IBytes(uint64(diskBudget)))
		if space, err := sysinfo.UsableSpace(dir); err == nil {
			fmt.Fprintf(out, "usable space:  %s\n", humanize.IBytes(space))
		} else {
			fmt.Fprintf(out, "usable space:  unknown (%v)\n", err)
		}
		fmt.Fprintf(out, "memory budget: %s\n", humanize.IBytes(uint64(memoryBudget)))
		return nil
	},
}

func init() {
	fetchCmd.Flags().IntVar(&fetchWidth, "width", 0, "target width in pixels (0 keeps the natural size)")
	fetchCmd.Flags().IntVar(&fetchHeight, "height", 0, "target height in pixels (0 keeps the natural size)")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", "", "output file, format from its extension (default PNG on stdout)")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", time.Minute, "overall time allowed for the load")

	rootCmd.AddCommand(fetchCmd, dirsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
