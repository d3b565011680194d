package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"schoolmsg/internal/config"
	"schoolmsg/internal/conversation"
	"schoolmsg/internal/domain"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string
	tokenFlag  string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "schoolmsg",
		Short:         "schoolmsg: guardian and staff messaging from the terminal",
		Long:          "schoolmsg talks to the school messaging service: real-time conversations, inbox, search, templates and attachments.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ~/.schoolmsg/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default: ./.env if present)")
	root.PersistentFlags().StringVar(&tokenFlag, "token", "", "auth token (overrides identity.token)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(configCmd())
	root.AddCommand(keyCmd())
	root.AddCommand(listenCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(inboxCmd())
	root.AddCommand(conversationsCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(contactsCmd())
	root.AddCommand(templatesCmd())
	root.AddCommand(renderCmd())
	root.AddCommand(downloadCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("schoolmsg", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadEnv reads --env-file, or ./.env when it exists, before any config
// file is expanded.
func loadEnv() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and switches the global logger to its
// level and log file. The returned closer releases the log file.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w (run 'schoolmsg init' first)", err)
	}
	closer, err := setupLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func setupLogger(g config.GeneralConfig) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var (
		w      io.Writer = os.Stderr
		closer           = func() {}
	)
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

// resolveToken picks --token, then identity.token. An unexpanded ${VAR}
// reference counts as unset.
func resolveToken(cfg *config.Config) (string, error) {
	token := tokenFlag
	if token == "" {
		token = cfg.Identity.Token
	}
	if token == "" || strings.HasPrefix(token, "${") {
		return "", fmt.Errorf("no auth token: pass --token, set identity.token, or export SCHOOLMSG_TOKEN")
	}
	return token, nil
}

func selfOf(cfg *config.Config) domain.Participant {
	return domain.Participant{ID: cfg.Identity.UserID, Role: domain.Role(cfg.Identity.Role)}
}

func initCmd() *cobra.Command {
	var (
		userID string
		role   string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if userID != "" {
				cfg.Identity.UserID = userID
			}
			if role != "" {
				cfg.Identity.Role = role
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{
				config.ExpandPath(cfg.Messaging.TemplatesDir),
				filepath.Dir(config.ExpandPath(cfg.Archive.DBPath)),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "role", cfg.Identity.Role, "userId", cfg.Identity.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "your user id on the school service")
	cmd.Flags().StringVar(&role, "role", "", "guardian or staff")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.apiBase)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. identity.role staff)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-40s %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func keyCmd() *cobra.Command {
	var parse bool
	cmd := &cobra.Command{
		Use:   "key COUNTERPART_ID STUDENT_ID | key --parse KEY",
		Short: "Print the conversation key shared with a counterpart about a student",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parse {
				g, s, stu, ok := conversation.Parse(conversation.Key(args[0]))
				if !ok {
					return fmt.Errorf("cannot parse %q", args[0])
				}
				fmt.Printf("guardian: %s\nstaff:    %s\nstudent:  %s\n", g, s, stu)
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("expected COUNTERPART_ID STUDENT_ID")
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			key, err := conversation.ForParticipants(selfOf(cfg), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&parse, "parse", false, "split a key back into its ids")
	return cmd
}
