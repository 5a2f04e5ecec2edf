package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewline CLI",
	Long: `Crewline coordinates a team of agents working on one project.
Core concepts:
- Workspace: a directory holding crewline.yml and the .crewline state directory.
- Board: tasks in status columns. A task whose dependencies are unfinished is held in blocked,
  and completing a task releases its dependents back to todo.
- Backlog and sprints: epics, stories and tasks, packed into sprints by priority and velocity.
- Messages and approvals: actors talk in threads; approval requests wait for a decision or time out.
  These live in the server process, so 'crew msg' and 'crew approval' talk to 'crew serve'.
- Bugs: reported, classified and routed to an actor; failed fixes retry, then escalate.
- Documents: every snapshot is a new version that can be diffed, locked or rolled back.
- Event log: every change, view with 'crew events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["remote"] == "true" {
			return nil
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id")
	rootCmd.PersistentFlags().String("actor", "", "acting actor recorded on changes")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "", "server URL for message and approval commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the server")
	for _, name := range []string{"workspace", "json", "project", "actor", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(bugCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create crewline.yml and the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, path, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintln(os.Stderr, "no config file; showing defaults")
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no config file in %s", viper.GetString("workspace"))
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func openRuntime() (*app.Runtime, error) {
	workspace := viper.GetString("workspace")
	cfg, path, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	rt, err := app.Open(app.Options{Workspace: workspace, Config: cfg, LogOutput: os.Stderr})
	if err != nil {
		return nil, err
	}
	rt.ConfigPath = path
	return rt, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	project, err := app.ResolveProject(ctx, rt.Store, viper.GetString("project"))
	if err != nil {
		return err
	}
	return fn(ctx, rt, project)
}

func actor(fallback string) string {
	if a := viper.GetString("actor"); a != "" {
		return a
	}
	return fallback
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") || table == nil {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
