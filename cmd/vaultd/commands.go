package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vaultkeep/internal/config"
	"vaultkeep/internal/repo"
	"vaultkeep/internal/vaulterr"
)

// repoLogger scopes the process logger to "component": "repo", so
// --component-log-level repo=debug raises verbosity for repository
// lifecycle logs without touching the rest of the CLI's output.
func repoLogger() *slog.Logger {
	return logger.With("component", "repo")
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <remote-path>",
		Short: "Lay out a fresh repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			cfg := config.Default()
			if v, _ := cmd.Flags().GetInt64("bundle-size"); v > 0 {
				cfg.BundleSize = v
			}
			if v, _ := cmd.Flags().GetString("chunker"); v != "" {
				cfg.Chunker = v
			}
			if v, _ := cmd.Flags().GetString("hash-method"); v != "" {
				cfg.HashMethod = v
			}
			if v, _ := cmd.Flags().GetString("compression"); v != "" {
				cfg.Compression = v
			}

			ctx := context.Background()
			r, err := repo.Create(ctx, path, cfg, args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())

			if hexKey, _ := cmd.Flags().GetString("encrypt-to"); hexKey != "" {
				pub, err := parsePublicKey(hexKey)
				if err != nil {
					return argsError{msg: err.Error()}
				}
				if err := r.SetEncryption(&pub); err != nil {
					return err
				}
			}

			logger.Info("repository created", "path", path, "remote", args[0])
			return nil
		},
	}
	cmd.Flags().Int64("bundle-size", 0, "target bundle size in bytes (default: 64MiB)")
	cmd.Flags().String("chunker", "", "chunker spec, e.g. cdc/20 or fixed/65536")
	cmd.Flags().String("hash-method", "", "chunk hash method, e.g. blake2b-128 or murmur3-128")
	cmd.Flags().String("compression", "", "compression spec, e.g. zstd/3, brotli/5, or none")
	cmd.Flags().String("encrypt-to", "", "hex-encoded recipient public key (sealed-box encryption)")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Report bundle and chunk counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			r, err := repo.Open(ctx, path)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())

			usage, err := r.AnalyzeUsage(ctx)
			if err != nil {
				return err
			}
			cfg := r.Config()

			var chunks int
			var rawSize, encodedSize int64
			for _, u := range usage {
				chunks += len(u.ChunkUsage)
				rawSize += u.Info.RawSize
				encodedSize += u.Info.EncodedSize
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "bundles:\t%d\n", len(usage))
			fmt.Fprintf(tw, "chunks:\t%d\n", chunks)
			fmt.Fprintf(tw, "raw size:\t%d\n", rawSize)
			fmt.Fprintf(tw, "encoded size:\t%d\n", encodedSize)
			fmt.Fprintf(tw, "chunker:\t%s\n", cfg.Chunker)
			fmt.Fprintf(tw, "hash method:\t%s\n", cfg.HashMethod)
			fmt.Fprintf(tw, "compression:\t%s\n", cfg.Compression)
			fmt.Fprintf(tw, "encryption:\t%s\n", cfg.Encryption)
			return tw.Flush()
		},
	}
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Finalize any pending writers and persist the Bundle Map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			r, err := repo.Open(ctx, path)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())
			return r.Flush(ctx)
		},
	}
}

func newVacuumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim space from bundles with low chunk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			ratio, _ := cmd.Flags().GetFloat64("ratio")
			combine, _ := cmd.Flags().GetBool("combine")
			force, _ := cmd.Flags().GetBool("force")

			ctx := context.Background()
			r, err := repo.Open(ctx, path)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())

			report, err := r.Vacuum(ctx, ratio, combine, force)
			if err != nil {
				return err
			}
			logger.Info("vacuum complete",
				"forced", report.Forced,
				"bundles", len(report.Bundles),
				"reclaimable_bytes", report.Reclaimable)
			return nil
		},
	}
	cmd.Flags().Float64("ratio", 0.5, "rewrite bundles whose usage ratio is at or below this value")
	cmd.Flags().Bool("combine", false, "also combine small bundles of the same mode")
	cmd.Flags().Bool("force", false, "actually rewrite and delete; omit for a dry-run report")
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run integrity checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			opts := repo.CheckOptions{}
			opts.Bundles, _ = cmd.Flags().GetBool("bundles")
			opts.BundleData, _ = cmd.Flags().GetBool("bundle-data")
			opts.Index, _ = cmd.Flags().GetBool("index")
			opts.Repair, _ = cmd.Flags().GetBool("repair")
			if !opts.Bundles && !opts.BundleData && !opts.Index {
				opts.Bundles, opts.Index = true, true
			}
			if opts.BundleData {
				opts.Bundles = true
			}

			ctx := context.Background()
			r, err := repo.Open(ctx, path)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())

			report, err := r.Check(ctx, opts)
			if err != nil {
				return err
			}
			for _, e := range report.BundleErrors {
				fmt.Fprintln(cmd.OutOrStdout(), "bundle error:", e)
			}
			for _, e := range report.IndexErrors {
				fmt.Fprintln(cmd.OutOrStdout(), "index error:", e)
			}
			if report.RepairedIndex > 0 {
				logger.Info("repaired dangling index entries", "count", report.RepairedIndex)
			}
			if len(report.BundleErrors) > 0 || len(report.IndexErrors) > 0 {
				return vaulterr.New(vaulterr.KindIndexCorrupt,
					fmt.Sprintf("check found %d bundle error(s), %d index error(s)",
						len(report.BundleErrors), len(report.IndexErrors)))
			}
			logger.Info("check passed", "cleaned", report.CleanedOnFinish)
			return nil
		},
	}
	cmd.Flags().Bool("bundles", false, "check every bundle's chunk list is readable")
	cmd.Flags().Bool("bundle-data", false, "also verify each chunk's hash (implies --bundles)")
	cmd.Flags().Bool("index", false, "check every index entry resolves to a known bundle")
	cmd.Flags().Bool("repair", false, "drop dangling index entries and accept an unclean shutdown")
	return cmd
}

func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the Chunk Index from the Bundle Map's chunk-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			r, err := repo.Open(ctx, path)
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())
			if err := r.RebuildIndex(ctx); err != nil {
				return err
			}
			logger.Info("index rebuilt")
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <remote-path>",
		Short: "Create a local repository pointing at an existing remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireRepoFlag(cmd)
			if err != nil {
				return err
			}
			keyFiles, _ := cmd.Flags().GetStringArray("key-file")

			ctx := context.Background()
			// No backup-manifest reader is wired in (manifests stay opaque
			// to the core); a caller that has one can supply it here, so
			// Import adopts config.Default() unless --key-file registers
			// keys for a client that only ever writes, never reads.
			r, err := repo.Import(ctx, path, args[0], keyFiles, func() (*config.Config, bool) { return nil, false })
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetLogger(repoLogger())

			logger.Info("repository imported", "path", path, "remote", args[0], "keys", len(keyFiles))
			return nil
		},
	}
	cmd.Flags().StringArray("key-file", nil, "path to a hex-encoded recipient public key to register (repeatable)")
	return cmd
}

func parsePublicKey(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex public key: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
