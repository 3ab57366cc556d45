package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/supervisor"
)

// newRunCmd creates the 'run' subcommand. It triggers one run and waits for
// it to end. Only a rejected trigger makes the command fail; retailer
// outcomes are reported in the manifest.
func newRunCmd() *cobra.Command {
	var req supervisor.Request
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawls the registry once and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			snap, err := instance.RunOnce(ctx, req)
			if err != nil {
				return err
			}
			fields := []zap.Field{
				zap.String("run_id", snap.Run.ID),
				zap.String("status", string(snap.Run.Status)),
				zap.String("manifest_uri", snap.Run.ManifestURI),
			}
			if snap.Summary != nil {
				fields = append(fields,
					zap.Int("retailers", snap.Summary.Retailers),
					zap.Int("downloaded", snap.Summary.Downloaded),
					zap.Int("duplicates", snap.Summary.Duplicates),
					zap.Int("failed", snap.Summary.Failed),
				)
			}
			resolveLogger(cmd.Context()).Info("run finished", fields...)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Group, "group", "", `retailer group: "creds" or "public" (default all)`)
	cmd.Flags().StringVar(&req.Slug, "slug", "", "crawl only the retailer with this id")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "discover links without downloading")
	return cmd
}
