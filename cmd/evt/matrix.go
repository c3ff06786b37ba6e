package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"evaltrack/internal/app"
	"evaltrack/internal/domain"
	"evaltrack/internal/engine"
)

func matrixCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "matrix",
		Short: "Work on evaluation matrices",
		Long:  "Read and move a task's evaluation matrix. All commands act as --user (and --admin when set).",
	}
	m.AddCommand(matrixShowCmd())
	m.AddCommand(matrixListCmd())
	m.AddCommand(matrixStatsCmd())
	m.AddCommand(matrixStatusCmd())
	m.AddCommand(matrixFollowUpStatusCmd())
	m.AddCommand(matrixFindingsCmd())
	m.AddCommand(matrixFollowUpCmd())
	return m
}

func followUpLabel(s *domain.Status) string {
	if s == nil {
		return "-"
	}
	return string(*s)
}

func printMatrix(v domain.MatrixView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("Matrix %s (task %s)\n", v.ID, v.TaskID)
	fmt.Printf("Status: %s   Follow-up: %s   Findings version: %d\n", v.PrimaryStatus, followUpLabel(v.FollowUpStatus), v.FindingsVersion)
	fmt.Printf("Roles: %s", strings.Join(v.Roles, ", "))
	if v.IsAdmin {
		fmt.Print(" (admin)")
	}
	fmt.Println()
	targets := make([]string, 0)
	for _, st := range v.Permissions.AllowedTargets.Slice() {
		targets = append(targets, string(st))
	}
	fmt.Printf("Can edit findings: %t   Can move to: %s\n", v.Permissions.CanEditFindings, strings.Join(targets, ", "))
	if v.FindingsHidden {
		fmt.Println("Findings are not shared with the auditee until the matrix is FINISHED.")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Condition", "Criterion", "Recommendation", "Follow-up", "Evidence", "Reviewer note"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Number: 3, WidthMax: 30, WidthMaxEnforcer: text.WrapSoft},
		{Number: 4, WidthMax: 30, WidthMaxEnforcer: text.WrapSoft},
		{Number: 5, WidthMax: 30, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, f := range v.Findings {
		tw.AppendRow(table.Row{f.ID, f.Condition, f.Criterion, f.Recommendation, f.FollowUpNarrative, f.FollowUpEvidenceLink, f.ReviewerNote})
	}
	tw.Render()
	return nil
}

func matrixShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's matrix with your permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				v, err := rt.Engine.GetMatrix(ctx, args[0], userID, isAdmin)
				if err != nil {
					return err
				}
				return printMatrix(v)
			})
		},
	}
}

func parseStatusList(values []string) ([]domain.Status, error) {
	var out []domain.Status
	for _, v := range values {
		st, err := domain.ParseStatus(strings.ToUpper(strings.TrimSpace(v)))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func matrixListCmd() *cobra.Command {
	var status, followUp []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matrices you can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			primary, err := parseStatusList(status)
			if err != nil {
				return err
			}
			fu, err := parseStatusList(followUp)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				items, err := rt.Engine.ListMatrices(ctx, userID, isAdmin, engine.ListOptions{
					PrimaryStatus:  primary,
					FollowUpStatus: fu,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Number", "Auditee", "Status", "Follow-up", "Version", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Task.ID, s.Task.Number, s.Task.AuditeeName, s.Matrix.PrimaryStatus,
						followUpLabel(s.Matrix.FollowUpStatus), s.Matrix.FindingsVersion, s.Matrix.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&status, "status", nil, "primary status filter (repeatable)")
	cmd.Flags().StringSliceVar(&followUp, "follow-up-status", nil, "follow-up status filter (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func matrixStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count visible matrices per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				stats, err := rt.Engine.MatrixStatistics(ctx, userID, isAdmin)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Matrices", "Follow-up"})
				for _, st := range domain.Statuses {
					tw.AppendRow(table.Row{st, stats.ByStatus[st], stats.ByFollowUp[st]})
				}
				tw.AppendFooter(table.Row{"Total", stats.Total, fmt.Sprintf("%.0f%% finished", stats.CompletionRate*100)})
				tw.Render()
				return nil
			})
		},
	}
}

func statusChangeCmd(use, short string, change func(engine.Engine, context.Context, string, string, bool, domain.Status) (domain.MatrixView, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id> <status>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := domain.Status(strings.ToUpper(strings.TrimSpace(args[1])))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				v, err := change(rt.Engine, ctx, args[0], userID, isAdmin, target)
				if err != nil {
					return err
				}
				return printMatrix(v)
			})
		},
	}
}

func matrixStatusCmd() *cobra.Command {
	return statusChangeCmd("status", "Move the primary pipeline", engine.Engine.ChangePrimaryStatus)
}

func matrixFollowUpStatusCmd() *cobra.Command {
	return statusChangeCmd("followup-status", "Move the follow-up pipeline", engine.Engine.ChangeFollowUpStatus)
}

type findingFile struct {
	Condition      string `yaml:"condition"`
	Criterion      string `yaml:"criterion"`
	Recommendation string `yaml:"recommendation"`
}

func readFindings(path string) ([]domain.FindingInput, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var items []findingFile
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse findings %s: %w", path, err)
	}
	out := make([]domain.FindingInput, 0, len(items))
	for _, it := range items {
		out = append(out, domain.FindingInput{Condition: it.Condition, Criterion: it.Criterion, Recommendation: it.Recommendation})
	}
	return out, nil
}

func matrixFindingsCmd() *cobra.Command {
	var file string
	var version int
	cmd := &cobra.Command{
		Use:   "findings <task-id>",
		Short: "Replace the findings list",
		Long: `Replace every finding of the matrix with the items in --file (YAML or JSON list of
condition/criterion/recommendation). --expected-version must be the findings version you
last read; a stale version is rejected and nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readFindings(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				v, err := rt.Engine.ReplaceFindings(ctx, args[0], userID, isAdmin, items, version)
				if err != nil {
					return err
				}
				return printMatrix(v)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "findings file, - for stdin")
	cmd.Flags().IntVar(&version, "expected-version", 0, "findings version the edit is based on")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func matrixFollowUpCmd() *cobra.Command {
	var narrative, evidence, note string
	cmd := &cobra.Command{
		Use:   "followup <task-id> <item-id>",
		Short: "Edit the follow-up fields of one finding",
		Long:  "Only the flags you pass are written; fields your roles may not edit are ignored.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("item id must be a number: %w", err)
			}
			var fields domain.FollowUpFields
			if cmd.Flags().Changed("narrative") {
				fields.Narrative = optionalString(narrative)
			}
			if cmd.Flags().Changed("evidence-link") {
				fields.EvidenceLink = optionalString(evidence)
			}
			if cmd.Flags().Changed("note") {
				fields.ReviewerNote = optionalString(note)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID, isAdmin := actor()
				v, err := rt.Engine.UpdateFollowUpItem(ctx, args[0], userID, isAdmin, itemID, fields)
				if err != nil {
					return err
				}
				return printMatrix(v)
			})
		},
	}
	cmd.Flags().StringVar(&narrative, "narrative", "", "auditee follow-up narrative")
	cmd.Flags().StringVar(&evidence, "evidence-link", "", "link to follow-up evidence")
	cmd.Flags().StringVar(&note, "note", "", "reviewer note")
	return cmd
}
