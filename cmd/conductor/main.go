package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conductor/internal/app"
	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/domain"
	"conductor/internal/logx"
	"conductor/internal/repo"
	"conductor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor CLI",
	Long: `Conductor coordinates authority-ranked executors through a staged workflow.
A request flows through the pipeline (requirements, architecture, implementation,
review, build/test, integration, approval); every stage input and output is
validated against its contract, failures are retried, rerouted or escalated,
and outcomes feed the executors' scorecards and the shared memory.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(scorecardCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("workspace initialized:", path)
			fmt.Println("database:", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace configuration",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that the workspace config parses and cross-references",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				c    *config.Config
				err  error
				path string
			)
			if file != "" {
				path = file
				c, err = config.FromFile(file)
			} else {
				path = config.Path(viper.GetString("workspace"))
				c, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d executors, %d pipeline stages)\n", path, len(c.Executors), len(c.Pipeline))
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "validate a config file instead of the workspace config")
	cfg.AddCommand(validate)
	return cfg
}

func runCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <request...>",
		Short: "Submit a request to the pipeline and wait for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.Join(args, " ")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				result, err := a.RunWorkflow(ctx, request, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				printResult(result)
				if !result.Success {
					os.Exit(1)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run timeout")
	return cmd
}

func printResult(result domain.WorkflowResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Run", "Success", "Completed", "Failed", "Conflicts", "Duration"})
	tw.AppendRow(table.Row{
		result.RunID, result.Success,
		len(result.StagesCompleted), len(result.StagesFailed),
		len(result.Conflicts), result.Duration.Round(time.Millisecond),
	})
	tw.Render()
	if result.AbortReason != "" {
		fmt.Println("abort reason:", result.AbortReason)
	}
	for _, c := range result.Conflicts {
		fmt.Printf("conflict %s: %s -> %s\n", c.Topic, strings.Join(c.Agents, ","), c.Resolution)
	}
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Repo.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Request", "Started", "Finished", "Success"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, truncate(r.Request, 48), r.StartedAt.Format(time.RFC3339), r.Finished, r.Success})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show stage states, elapsed time and conflicts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				status, err := a.Repo.RunStatus(ctx, args[0], time.Now())
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("run %s not found", args[0])
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("run %s (%s)\n", status.RunID, truncate(status.Request, 60))
				fmt.Printf("finished=%v success=%v elapsed=%s\n", status.Finished, status.Success, status.Elapsed.Round(time.Millisecond))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "State"})
				ids := make([]string, 0, len(status.Stages))
				for id := range status.Stages {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					tw.AppendRow(table.Row{id, status.Stages[id]})
				}
				tw.Render()
				for _, c := range status.Conflicts {
					fmt.Printf("conflict %s: %s -> %s\n", c.Topic, strings.Join(c.Agents, ","), c.Resolution)
				}
				return nil
			})
		},
	}
	return cmd
}

func scorecardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scorecard",
		Short: "Show per-executor performance scorecards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var cards []domain.Scorecard
				for _, ex := range a.Registry.Executors() {
					card, err := a.Eval.Scorecard(ctx, ex.ID, 1.0)
					if err != nil {
						return err
					}
					cards = append(cards, card)
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Executor", "Overall", "Autonomy", "Samples", "Needs work"})
				for _, card := range cards {
					var weak []string
					for _, cat := range domain.ScoreCategories() {
						if card.Samples > 0 && card.Averages[cat] < 60 {
							weak = append(weak, string(cat))
						}
					}
					tw.AppendRow(table.Row{
						card.ExecutorID,
						fmt.Sprintf("%.1f", card.Overall),
						fmt.Sprintf("%.2f", card.Autonomy),
						card.Samples,
						strings.Join(weak, ","),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memoryCmd() *cobra.Command {
	mem := &cobra.Command{Use: "memory", Short: "Shared memory maintenance"}
	mem.AddCommand(memoryStatsCmd())
	mem.AddCommand(memoryPruneCmd())
	return mem
}

func memoryStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Entry counts and mean strength per scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Memory.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scope", "Entries", "Mean strength"})
				for _, scope := range domain.Scopes() {
					st := stats[scope]
					tw.AppendRow(table.Row{scope, st.Entries, fmt.Sprintf("%.3f", st.MeanStrength)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memoryPruneCmd() *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove entries whose strength decayed below the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if threshold <= 0 {
					threshold = a.Config.Memory.PruneThreshold
				}
				removed, err := a.Memory.Prune(ctx, threshold)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d entries below %.2f\n", removed, threshold)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "strength threshold (default from config)")
	return cmd
}

func schemaCmd() *cobra.Command {
	schema := &cobra.Command{Use: "schema", Short: "Contract schemas"}
	schema.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded contract schema names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				names := a.Validator.Names()
				if viper.GetBool("json") {
					return printJSON(names)
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			})
		},
	})
	return schema
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Versioned artifact store"}
	art.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Print the latest version of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Artifacts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Print(v.Content)
				return nil
			})
		},
	})
	art.AddCommand(&cobra.Command{
		Use:   "history <path>",
		Short: "List every version of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				versions, err := a.Artifacts.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "By", "At"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.VersionID, v.CreatedBy, v.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return art
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var runID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Repo.Events(ctx, runID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				for _, e := range evts {
					fmt.Printf("%s %-18s %s %s %s\n", e.TS, e.Type, e.RunID, e.EntityKind, e.EntityID)
				}
				return nil
			})
		},
	}
	tail.Flags().StringVar(&runID, "run", "", "filter by run id")
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	log.AddCommand(tail)
	return log
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API authentication"}
	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a dev bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := jwtSecret(a)
				tok, err := server.IssueDevToken(secret, subject, ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	token.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	auth.AddCommand(token)
	return auth
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: jwtSecret(a)},
				})
				if err != nil {
					return err
				}
				a.Log.Info().Str("addr", addr).Msg("serving API")
				srv := &http.Server{Addr: addr, Handler: handler}
				return srv.ListenAndServe()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8321", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// jwtSecret prefers the environment over the config file so the secret need
// not be written to disk.
func jwtSecret(a *app.App) string {
	if env := os.Getenv("CONDUCTOR_JWT_SECRET"); env != "" {
		return env
	}
	return a.Config.Server.JWTSecret
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	log := logx.New(logx.Config{Debug: viper.GetBool("debug"), Pretty: !viper.GetBool("json")})
	a, err := app.Open(workspace, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
