package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/feedpipe/internal/config"
	"github.com/pders01/feedpipe/internal/debuglog"
	"github.com/pders01/feedpipe/internal/feed"
	"github.com/pders01/feedpipe/internal/plugins/user"
	"github.com/pders01/feedpipe/internal/search"
	"github.com/pders01/feedpipe/internal/storage"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	dbPath     string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:           "feedpipe",
	Short:         "Feed update pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "feedpipe %s\n", Version)
		fmt.Fprintln(out, "Feed update pipeline")
		fmt.Fprintln(out, "github.com/pders01/feedpipe")
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configGenCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			home, _ := os.UserHomeDir()
			path = filepath.Join(home, ".config", "feedpipe", "config.toml")
		}
		if err := config.GenerateDefaultConfig(path); err != nil {
			return fmt.Errorf("failed to generate config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser(), "Subscriber the command acts for")

	configCmd.AddCommand(configGenCmd)
	rootCmd.AddCommand(versionCmd, configCmd)
	addFeedCommands(rootCmd)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything a command needs once the config is loaded.
type app struct {
	cfg     *config.Config
	store   storage.Store
	manager *feed.Manager
	index   *search.Index
}

func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := debuglog.Setup(debuglog.Options{
		Level:      debuglog.ParseLogLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.Timeout)
	if err != nil {
		debuglog.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	index, err := search.Open(cfg.Database.SearchIndex)
	if err != nil {
		store.Close()
		debuglog.Close()
		return nil, fmt.Errorf("opening search index: %w", err)
	}

	manager := feed.NewManager(store, cfg)
	manager.Updater().AddListener(index)
	user.RegisterAll(manager.Plugins())

	return &app{cfg: cfg, store: store, manager: manager, index: index}, nil
}

func (a *app) Close() {
	if err := a.index.Close(); err != nil {
		debuglog.Warnf("closing search index: %v", err)
	}
	if err := a.store.Close(); err != nil {
		debuglog.Warnf("closing storage: %v", err)
	}
	debuglog.Close()
}
