package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rtm/adapters"
	"rtm/app"
	"rtm/domain"
)

// config is the subset of rtmctl's viper-backed configuration read at startup.
type config struct {
	PublicKey      string `mapstructure:"public_key"`
	RootDir        string `mapstructure:"root_dir"`
	EnvironmentsFile string `mapstructure:"environments_file"`
	LogLevel       string `mapstructure:"log_level"`
}

func loadConfig(cfgFile string) (config, error) {
	v := viper.New()
	v.SetDefault("root_dir", ".rtm")
	v.SetDefault("environments_file", "environments.yaml")
	v.SetDefault("log_level", "info")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("rtmctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rtm")
	}
	v.SetEnvPrefix("RTM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func parseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildManager(cfg config, logger *slog.Logger) (*app.Manager, error) {
	dirs, err := adapters.NewDirManager(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("init directory manager: %w", err)
	}
	envs, err := adapters.LoadEnvManager(cfg.EnvironmentsFile)
	if err != nil {
		return nil, fmt.Errorf("load environments: %w", err)
	}
	return app.NewManager(app.Dependencies{
		Store:          adapters.NewMemoryStore(),
		Dirs:           dirs,
		Envs:           envs,
		ServiceFactory: adapters.NewEnvironmentTaskAPIServiceFactory(),
		ClientFactory:  adapters.NewWSClientFactory(),
		Timers:         nopTimers{},
		Logger:         logger,
		PublicKey:      cfg.PublicKey,
		RootDir:        cfg.RootDir,
	}), nil
}

// nopTimers is used by rtmctl's ad-hoc commands, which don't run a Prometheus
// registry of their own.
type nopTimers struct{}

func (nopTimers) Start(string)  {}
func (nopTimers) Finish(string) {}

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "rtmctl",
		Short: "Operate a requested task manager instance from the command line",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to rtmctl config file")

	rootCmd.AddCommand(newCreateTaskCommand(&cfgFile))
	rootCmd.AddCommand(newStartTaskCommand(&cfgFile))
	rootCmd.AddCommand(newAbortTaskCommand(&cfgFile))
	rootCmd.AddCommand(newStatusCommand(&cfgFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cfgFile *string) (*app.Manager, *slog.Logger, error) {
	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	manager, err := buildManager(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return manager, logger, nil
}

func newCreateTaskCommand(cfgFile *string) *cobra.Command {
	var appID, environment, name string
	var maxSubtasks int
	var maxPrice float64

	cmd := &cobra.Command{
		Use:   "create-task",
		Short: "Create a new requested task",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := setup(cfgFile)
			if err != nil {
				return err
			}
			taskID, err := manager.CreateTask(context.Background(), domain.CreateTaskParams{
				AppID:           appID,
				Name:            name,
				Environment:     domain.EnvID(environment),
				MaxSubtasks:     maxSubtasks,
				MaxPricePerHour: maxPrice,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println(taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&appID, "app-id", "", "application identifier")
	cmd.Flags().StringVar(&environment, "environment", "", "environment id")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().IntVar(&maxSubtasks, "max-subtasks", 1, "maximum number of subtasks")
	cmd.Flags().Float64Var(&maxPrice, "max-price-per-hour", 0, "maximum price per hour")
	return cmd
}

func newStartTaskCommand(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start-task <task-id>",
		Short: "Transition a task from preparing to waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := setup(cfgFile)
			if err != nil {
				return err
			}
			return manager.StartTask(context.Background(), args[0])
		},
	}
	return cmd
}

func newAbortTaskCommand(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort-task <task-id>",
		Short: "Abort an active task and cancel its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := setup(cfgFile)
			if err != nil {
				return err
			}
			return manager.AbortTask(context.Background(), args[0])
		},
	}
	return cmd
}

func newStatusCommand(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Report whether a task has reached a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := setup(cfgFile)
			if err != nil {
				return err
			}
			finished, err := manager.IsTaskFinished(context.Background(), args[0])
			if err != nil {
				return err
			}
			if finished {
				fmt.Println("finished")
			} else {
				fmt.Println("active")
			}
			return nil
		},
	}
	return cmd
}
