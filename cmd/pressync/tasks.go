package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"example.com/pressync/internal/store"
	"example.com/pressync/internal/worker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch every configured type and apply all records once",
	Long: `Run one full sync cycle in the foreground. The first page of each
configured type is fetched and every resulting task is drained before
the command exits. Requires the sqlite queue backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Orchestrator.HandleSyncTrigger(ctx); err != nil {
			return err
		}
		ran, err := a.Drain(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sync finished: %d tasks run\n", ran)
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync <record-id>",
	Short: "Schedule a refresh of one synced record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		scheduled, err := a.Orchestrator.RequestResync(ctx, id)
		if err != nil {
			return err
		}
		if !scheduled {
			fmt.Fprintf(cmd.OutOrStdout(), "record %d: resync already pending\n", id)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "record %d: resync scheduled\n", id)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every synced record",
	Long: `Schedule one delete task per local record carrying an original
identity. Records created locally are left alone. With --unschedule the
recurring trigger and all queued tasks are cancelled first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		unschedule, _ := cmd.Flags().GetBool("unschedule")
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if unschedule {
			n, err := a.Orchestrator.Unschedule(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d scheduled tasks\n", n)
		}
		n, err := a.Orchestrator.PurgeAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled %d deletes\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show synced records, the schedule and queue counts as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Store.ListSynced(ctx, store.SyncedFilter{Limit: limit})
		if err != nil {
			return err
		}
		schedule, scheduled, err := a.Queue.Recurring(ctx, worker.HookSyncTrigger)
		if err != nil {
			return err
		}
		out := map[string]any{
			"site":     a.Config.Remote.SiteURL,
			"records":  records,
			"schedule": map[string]any{"registered": scheduled, "expr": schedule},
		}
		if stats, ok, err := a.Stats(ctx); err != nil {
			return err
		} else if ok {
			out["queue"] = stats
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	purgeCmd.Flags().Bool("unschedule", false, "cancel the recurring trigger and queued tasks first")
	statusCmd.Flags().Int("limit", 50, "maximum number of records to list")
	rootCmd.AddCommand(syncCmd, resyncCmd, purgeCmd, statusCmd)
}
