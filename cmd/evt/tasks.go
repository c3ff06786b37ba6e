package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evaltrack/internal/app"
	"evaltrack/internal/domain"
	"evaltrack/internal/engine"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage audit tasks",
		Long:  "An audit task carries the role bindings that decide who may do what on its matrix. Creating, reassigning and deleting tasks requires --admin.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRolesCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

type roleFlags struct {
	members     []string
	lead        string
	tech        string
	quality     string
	leadership  string
	auditeeUser string
}

func (f *roleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.members, "member", nil, "team member user id (repeatable)")
	cmd.Flags().StringVar(&f.lead, "lead", "", "team lead user id")
	cmd.Flags().StringVar(&f.tech, "technical-controller", "", "technical controller user id")
	cmd.Flags().StringVar(&f.quality, "quality-controller", "", "quality controller user id")
	cmd.Flags().StringVar(&f.leadership, "unit-leadership", "", "unit leadership user id")
	cmd.Flags().StringVar(&f.auditeeUser, "auditee-user", "", "auditee user id")
}

func (f roleFlags) bindings() domain.RoleBindings {
	return domain.RoleBindings{
		TeamMembers:         f.members,
		TeamLead:            f.lead,
		TechnicalController: f.tech,
		QualityController:   f.quality,
		UnitLeadership:      f.leadership,
		Auditee:             f.auditeeUser,
	}
}

func printTask(t domain.AuditTask) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Number", t.Number},
		{"Auditee", t.AuditeeName},
		{"Inspectorate", t.Inspectorate},
		{"Period", strings.Trim(t.StartDate+" .. "+t.EndDate, " .")},
		{"Team members", strings.Join(t.TeamMembers, ", ")},
		{"Team lead", t.TeamLead},
		{"Technical controller", t.TechnicalController},
		{"Quality controller", t.QualityController},
		{"Unit leadership", t.UnitLeadership},
		{"Auditee user", t.Auditee},
	})
	tw.Render()
	return nil
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var roles roleFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an audit task and its empty matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts.ActorID, opts.IsAdmin = actor()
				opts.Roles = roles.bindings()
				t, err := rt.Engine.CreateAuditTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Number, "number", "", "assignment letter number")
	cmd.Flags().StringVar(&opts.AuditeeName, "auditee", "", "audited unit name")
	cmd.Flags().StringVar(&opts.Inspectorate, "inspectorate", "", "inspectorate")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	roles.register(cmd)
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show an audit task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				t, err := rt.Engine.GetAuditTask(ctx, args[0], userID, isAdmin)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskRolesCmd() *cobra.Command {
	var roles roleFlags
	cmd := &cobra.Command{
		Use:   "roles <task-id>",
		Short: "Replace the role bindings of a task",
		Long:  "Every binding is replaced; omitted flags clear the role.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				t, err := rt.Engine.ReassignRoles(ctx, args[0], roles.bindings(), userID, isAdmin)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	roles.register(cmd)
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Soft-delete a task and its matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				if err := rt.Engine.DeleteAuditTask(ctx, args[0], userID, isAdmin); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("task %s deleted\n", args[0])
				return nil
			})
		},
	}
}
