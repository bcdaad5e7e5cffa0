package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/schedule"
	"github.com/t77yq/natsbeat/internal/scheduler"
)

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedule entries and when they are next due",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			logger := zap.NewNop()
			src, err := openSources(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open schedule source: %w", err)
			}
			defer src.Close()

			// The reconciler falls back to static entries when the fetch
			// fails; list reports the failure instead.
			hooks := src.hooks
			var fetchErr error
			if fetch := hooks.Fetch; fetch != nil {
				hooks.Fetch = func(ctx context.Context) (map[string]model.PeriodicTask, error) {
					defs, err := fetch(ctx)
					fetchErr = err
					return defs, err
				}
			}

			r := scheduler.NewReconciler(scheduler.DefaultEntries(cfg.Beat.ResultExpires), cfg.StaticSchedules(),
				hooks, cfg.Beat.MaxInterval, logger)
			now := time.Now().In(loc)
			result, err := r.Reconcile(cmd.Context(), nil, now)
			if err != nil {
				return err
			}
			if fetchErr != nil {
				return fmt.Errorf("failed to fetch dynamic schedules: %w", fetchErr)
			}

			if len(result.Table) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schedules configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "NAME\tTASK\tSCHEDULE\tENABLED\tPRIORITY\tRUNS\tNEXT DUE\n")
			for _, name := range result.Table.Names() {
				e := result.Table[name]
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
					e.Name, e.Task, e.Schedule, e.Enabled, e.Priority, e.TotalRunCount, nextDue(e, now))
			}
			return w.Flush()
		},
	}
}

func nextDue(e *scheduler.Entry, now time.Time) string {
	due, next := e.IsDue(now)
	switch {
	case !e.Enabled:
		return "disabled"
	case due:
		return "now"
	case next == schedule.Never:
		return "never"
	default:
		return now.Add(next).Format(time.RFC3339)
	}
}

func buildAddCommand() *cobra.Command {
	var def model.PeriodicTask
	var argsJSON, kwargsJSON string
	var priority int
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Store a dynamic schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def.Name = args[0]
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &def.Args); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}
			if kwargsJSON != "" {
				if err := json.Unmarshal([]byte(kwargsJSON), &def.Kwargs); err != nil {
					return fmt.Errorf("invalid --kwargs: %w", err)
				}
			}
			if cmd.Flags().Changed("priority") {
				def.Priority = &priority
			}
			if disabled {
				enabled := false
				def.Enabled = &enabled
			}

			return withStore(cmd.Context(), func(ctx context.Context, store scheduleStore) error {
				if err := store.Upsert(ctx, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored schedule %s\n", def.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&def.Task, "task", "t", "", "task name to dispatch")
	cmd.Flags().StringVar(&def.Type, "type", schedule.KindInterval, "schedule type: interval or crontab")
	cmd.Flags().StringVarP(&def.Schedule, "schedule", "s", "", `schedule value, e.g. "30", "1m" or "0 4 * * *"`)
	cmd.Flags().StringVar(&argsJSON, "args", "", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&kwargsJSON, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", scheduler.DefaultPriority, "priority, lower wins ties")
	cmd.Flags().DurationVar((*time.Duration)(&def.Expires), "expires", 0, "how long a dispatched task stays valid")
	cmd.Flags().IntVar(&def.MaxCalls, "max-calls", 0, "stop after this many dispatches (0 is unlimited)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the schedule disabled")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("schedule")

	return cmd
}

func buildRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a dynamic schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store scheduleStore) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed schedule %s\n", args[0])
				return nil
			})
		},
	}
}

func buildHistoryCommand() *cobra.Command {
	var entry string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store scheduleStore) error {
				records, err := store.ListDispatches(ctx, entry, 0, limit)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "DISPATCHED\tENTRY\tTASK\tID\tERROR\n")
				for _, r := range records {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.DispatchedAt.Format(time.RFC3339), r.Entry, r.Task, r.ID, r.Error)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&entry, "entry", "e", "", "only show this entry")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")

	return cmd
}

type scheduleStore interface {
	Upsert(ctx context.Context, def model.PeriodicTask) error
	Delete(ctx context.Context, name string) error
	ListDispatches(ctx context.Context, entry string, offset, limit int) ([]model.DispatchRecord, error)
}

func withStore(ctx context.Context, fn func(ctx context.Context, store scheduleStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store)
}
