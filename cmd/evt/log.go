package main

import (
	"context"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evaltrack/internal/app"
	"evaltrack/internal/domain"
	"evaltrack/internal/repo"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every status change, findings save, follow-up edit and task change is recorded with its actor.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func printEvents(evs []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Task", "Actor", "Payload"})
	for _, e := range evs {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TaskID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID, evtType string
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				latest, err := rt.Engine.Repo.LatestEvents(ctx, repo.EventFilters{TaskID: taskID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				// oldest first
				for i, j := 0, len(latest)-1; i < j; i, j = i+1, j-1 {
					latest[i], latest[j] = latest[j], latest[i]
				}
				if err := printEvents(latest); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				var cursor int64
				if len(latest) > 0 {
					cursor = latest[len(latest)-1].ID
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					evs, err := rt.Engine.Repo.EventsAfter(ctx, 100, cursor, taskID)
					if err != nil {
						return err
					}
					if len(evs) == 0 {
						continue
					}
					cursor = evs[len(evs)-1].ID
					if evtType != "" {
						kept := evs[:0]
						for _, e := range evs {
							if e.Type == evtType {
								kept = append(kept, e)
							}
						}
						evs = kept
					}
					if len(evs) > 0 {
						if err := printEvents(evs); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}
