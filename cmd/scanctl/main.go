// Command scanctl drives deep scans and syncs against the database
// directly, without the API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mailscan-backend/internal/app"
	"mailscan-backend/pkg/config"
	"mailscan-backend/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "scanctl",
	Short:        "Operate mailbox deep scans and incremental syncs",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("db.driver", "", "Database driver: postgres or sqlite")
	rootCmd.PersistentFlags().String("database.url", "", "Database DSN")
	rootCmd.PersistentFlags().String("log.level", "info", "Log level")
	_ = viper.BindPFlag("db.driver", rootCmd.PersistentFlags().Lookup("db.driver"))
	_ = viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database.url"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log.level"))

	startCmd.Flags().Int("years", 0, "Range in years, 0 for the configured default")

	rootCmd.AddCommand(startCmd, statusCmd, jobsCmd, advanceCmd, syncCmd, tickCmd)
	for _, c := range transitionCmds() {
		rootCmd.AddCommand(c)
	}
}

func initConfig() {
	viper.SetConfigName("scanctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// withApp builds the application from env config plus flag overrides and
// runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (interface{}, error)) error {
	cfg := config.Load()
	if v := viper.GetString("db.driver"); v != "" {
		cfg.DBDriver = v
	}
	if v := viper.GetString("database.url"); v != "" {
		cfg.DatabaseURL = v
	}

	log, err := logger.New("dev", viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{}, log)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var startCmd = &cobra.Command{
	Use:   "start <mailbox-id>",
	Short: "Start a deep scan, or show the one already active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		years, _ := cmd.Flags().GetInt("years")
		return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
			return a.Scans.StartScan(ctx, args[0], years)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show scan progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
			return a.Scans.GetStatus(ctx, args[0])
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <mailbox-id>",
	Short: "List the scan jobs of a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
			return a.Scans.ListJobs(ctx, args[0])
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <job-id>",
	Short: "Run one bounded tick of a scan job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
			return a.Scans.Advance(ctx, args[0])
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <mailbox-id>",
	Short: "Run one incremental sync of a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
			return a.Sync.AdvanceSync(ctx, args[0])
		})
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Advance every runnable job and sync every active mailbox once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
			if err := a.Scheduler.RunDeepTick(ctx); err != nil {
				return nil, err
			}
			if err := a.Scheduler.RunSyncTick(ctx); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok"}, nil
		})
	},
}

func transitionCmds() []*cobra.Command {
	ops := []struct {
		use, short string
		run        func(a *app.App) func(ctx context.Context, jobID string) (interface{}, error)
	}{
		{"pause", "Pause a scan at the next chunk boundary", func(a *app.App) func(context.Context, string) (interface{}, error) {
			return func(ctx context.Context, id string) (interface{}, error) { return a.Scans.Pause(ctx, id) }
		}},
		{"resume", "Resume a paused scan", func(a *app.App) func(context.Context, string) (interface{}, error) {
			return func(ctx context.Context, id string) (interface{}, error) { return a.Scans.Resume(ctx, id) }
		}},
		{"cancel", "Cancel a scan", func(a *app.App) func(context.Context, string) (interface{}, error) {
			return func(ctx context.Context, id string) (interface{}, error) { return a.Scans.Cancel(ctx, id) }
		}},
		{"retry", "Requeue the failed windows of a failed scan", func(a *app.App) func(context.Context, string) (interface{}, error) {
			return func(ctx context.Context, id string) (interface{}, error) { return a.Scans.RetryFailed(ctx, id) }
		}},
	}

	cmds := make([]*cobra.Command, 0, len(ops))
	for _, op := range ops {
		cmds = append(cmds, &cobra.Command{
			Use:   op.use + " <job-id>",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
					return op.run(a)(ctx, args[0])
				})
			},
		})
	}
	return cmds
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
