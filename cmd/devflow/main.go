package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/devflow/internal/config"
	"github.com/mpataki/devflow/internal/definition"
	"github.com/mpataki/devflow/internal/engine"
	"github.com/mpataki/devflow/internal/logging"
	"github.com/mpataki/devflow/internal/status"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/mpataki/devflow/internal/tui"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devflow",
		Short: "Development process orchestrator",
		Long: "devflow drives tasks through versioned workflows of stages, checklists and\n" +
			"conditional transitions, and tracks the current task and session across terminals.",
		SilenceUsage: true,
		RunE:         withApp(runTUI),
	}

	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "", "Directory holding the database, log and config.yaml")
	flags.String("db", "", "SQLite database path (default <data-dir>/devflow.db)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("status-backend", "", "Where current task/session pointers live: sqlite or redis")
	cobra.CheckErr(viper.BindPFlag("data_dir", flags.Lookup("data-dir")))
	cobra.CheckErr(viper.BindPFlag("db_path", flags.Lookup("db")))
	cobra.CheckErr(viper.BindPFlag("log.level", flags.Lookup("log-level")))
	cobra.CheckErr(viper.BindPFlag("status.backend", flags.Lookup("status-backend")))

	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newSessionCommand())
	rootCmd.AddCommand(newCurrentCommand())
	rootCmd.AddCommand(newTaskCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a command needs, wired from configuration.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *storage.Storage
	defs     *definition.Store
	engine   *engine.Engine
	tasks    *status.TaskProvider
	sessions *status.SessionProvider
	closers  []func()
}

func newApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, closeLog, err := logging.New(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	a := &app{cfg: cfg, log: log, closers: []func(){closeLog}}

	a.store, err = storage.New(cfg.DBPath, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, func() { a.store.Close() })

	var pointers status.Store = a.store
	if cfg.Status.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Status.Redis.Addr,
			Password: cfg.Status.Redis.Password,
			DB:       cfg.Status.Redis.DB,
		})
		a.closers = append(a.closers, func() { client.Close() })
		pointers = status.NewRedisStore(client,
			status.WithPrefix(cfg.Status.Redis.Prefix),
			status.WithRedisLogger(log),
		)
	}

	a.defs = definition.New(a.store, log)
	a.engine = engine.New(a.store, a.defs,
		engine.WithTaskStore(a.store),
		engine.WithStatusStore(pointers),
		engine.WithLogger(log),
	)

	opts := []status.ProviderOption{status.WithRetries(cfg.Status.Retries), status.WithLogger(log)}
	a.tasks = status.NewTaskProvider(pointers, a.store, opts...)
	a.sessions = status.NewSessionProvider(pointers, a.engine, a.tasks, opts...)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// withApp opens the app for the duration of one command.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		err = fn(cmd.Context(), a, cmd, args)
		if err != nil {
			a.log.Debug("command failed", zap.String("command", cmd.CommandPath()), zap.Error(err))
		}
		return err
	}
}

func runTUI(_ context.Context, a *app, _ *cobra.Command, _ []string) error {
	p := tea.NewProgram(tui.NewApp(a.engine, a.sessions), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
