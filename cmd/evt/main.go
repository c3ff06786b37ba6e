package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evaltrack/internal/app"
	"evaltrack/internal/config"
	"evaltrack/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "evt",
	Short: "evaltrack CLI",
	Long: `evaltrack tracks the evaluation matrix of each government audit task.
Core concepts:
- Audit task: one assignment letter with its team (members, lead, technical and quality controllers, unit leadership) and the auditee.
- Matrix: the task's findings (condition, criterion, recommendation) moving through DRAFTING -> CHECKING -> VALIDATING -> FINISHED.
- Follow-up: once the matrix is FINISHED the auditee responds per finding, reviewed through the same four statuses.
- Findings version: every findings save must name the version it was based on; stale saves are rejected.
- Event log: every change is recorded, view with 'evt log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EVALTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "acting user id")
	rootCmd.PersistentFlags().Bool("admin", false, "act as administrator")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	for _, name := range []string{"workspace", "json", "user", "admin", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(matrixCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads evaltrack.yml from the workspace, falling back to
// defaults, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = workspace
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}

// actor returns the acting user and admin flag.
func actor() (string, bool) {
	return viper.GetString("user"), viper.GetBool("admin")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	return &s
}
