package main

import (
	"encoding/json"
	"fmt"

	"voicebridge/internal/records"

	"github.com/spf13/cobra"
)

type syncOptions struct {
	provider string
	id       string
}

// newSyncCommand runs one reconciliation pass and exits. It is the hook for
// external schedulers such as cron.
func newSyncCommand(root *rootOptions) *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile provider assistants into the local store once",
		Long: `Reconcile provider assistants into the local store once.

Example:
  voicebridge sync
  voicebridge sync --provider vapi
  voicebridge sync --id asst_123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.provider, "provider", "", "provider to sync (vapi|retell); all configured when empty")
	cmd.Flags().StringVar(&opts.id, "id", "", "sync a single assistant by external id")
	return cmd
}

func runSync(cmd *cobra.Command, root *rootOptions, opts *syncOptions) error {
	var provider records.Provider
	if opts.provider != "" {
		p, ok := records.ParseProvider(opts.provider)
		if !ok {
			return fmt.Errorf("unknown provider %q", opts.provider)
		}
		provider = p
	}

	ctx := withLogger(cmd.Context(), root)
	d, err := buildDeps(ctx, root)
	if err != nil {
		return err
	}
	defer d.close()

	out := map[string]any{"success": true}
	switch {
	case opts.id != "":
		found, err := d.sync.ReconcileOne(ctx, provider, opts.id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("assistant %s not found at provider", opts.id)
		}
		out["message"] = "assistant " + opts.id + " synced"
	case provider != "":
		n, err := d.sync.ReconcileAll(ctx, provider)
		if err != nil {
			return err
		}
		out["syncCount"] = n
	default:
		n, results, err := d.sync.ReconcileEvery(ctx)
		if err != nil {
			return err
		}
		out["syncCount"] = n
		out["providers"] = results
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
