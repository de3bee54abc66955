package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var uploadAttempts int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile the backup expiration rule of this cluster",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> <remote-key>",
	Short: "Upload a file to the object store with retries",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote-key> <local-path>",
	Short: "Download an object to a local file with retries",
	Args:  cobra.ExactArgs(2),
	RunE:  runDownload,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)

	for _, c := range []*cobra.Command{uploadCmd, downloadCmd} {
		c.Flags().IntVar(&uploadAttempts, "attempts", 0, "retry budget (default: backup.upload_attempts)")
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	action, err := a.store.Retention().Reconcile(ctx, a.prefix, cfg.Backup.RetentionDays)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{
		"prefix": a.prefix,
		"days":   cfg.Backup.RetentionDays,
		"action": action,
	})
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	local, key := args[0], args[1]
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("stat %s: %w", local, err)
	}
	if err := a.store.Upload(ctx, local, key, attemptsOr(cfg.Backup.UploadAttempts)); err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"key": key, "bytes": info.Size()})
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(a)

	key, local := args[0], args[1]
	if err := a.store.Download(ctx, key, local, attemptsOr(cfg.Backup.UploadAttempts)); err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"key": key, "path": local})
}

func attemptsOr(def int) int {
	if uploadAttempts > 0 {
		return uploadAttempts
	}
	return def
}
