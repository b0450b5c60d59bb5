package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/pipelinectl/internal/awsapi"
	"github.com/t77yq/pipelinectl/internal/config"
	"github.com/t77yq/pipelinectl/internal/executor"
	"github.com/t77yq/pipelinectl/internal/notify"
	"github.com/t77yq/pipelinectl/internal/report"
	"github.com/t77yq/pipelinectl/internal/storage"
)

// exitInterrupted is returned when the operator aborts a wait
const exitInterrupted = 130

// configKeyAnnotation marks a flag as an override of a config key
const configKeyAnnotation = "pipelinectl/config-key"

// app holds the state shared by all commands of one invocation
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer

	newClients func(ctx context.Context, cfg awsapi.Config) (*awsapi.Clients, error)
	newLogger  func(level, format string) (*zap.Logger, error)
	execOpts   []executor.Option
	now        func() time.Time

	configFile string
	jsonOutput bool

	cfg     *config.Config
	logger  *zap.Logger
	clients *awsapi.Clients
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		v:          config.NewViper(),
		stdout:     stdout,
		stderr:     stderr,
		newClients: awsapi.NewClients,
		newLogger:  newLogger,
		now:        time.Now,
	}
}

// exitError carries a process exit status out of a command. A nil err
// means the command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// execute runs the command line and returns the process exit status
func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(a.stderr, "Error: %v\n", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return 1
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operate the scheduled ECS pipeline of a CloudFormation stack",
		Long: `pipelinectl resolves the scheduled tasks of a deployed pipeline stack,
launches them on demand and verifies that the schedule is healthy.

Examples:
  pipelinectl tasks                       # Logical tasks and their rules
  pipelinectl run-task price_extractor    # Launch one task and wait for it
  pipelinectl verify -w 48h               # Pass/fail health check
  pipelinectl debug                       # Detailed rule and task report
  pipelinectl history --task strategy_runner`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default searches ./config, . and ~/.pipelinectl)")
	flags.BoolVar(&a.jsonOutput, "json", false, "output as JSON")
	flags.String("region", "", "AWS region")
	flags.String("profile", "", "AWS shared config profile")
	flags.String("stack", "", "CloudFormation stack name")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("history-db", "", "run history database path (empty disables history)")
	flags.String("nats-url", "", "NATS server to publish events to (empty disables events)")
	bindFlag(flags, "region", "aws.region")
	bindFlag(flags, "profile", "aws.profile")
	bindFlag(flags, "stack", "stack.name")
	bindFlag(flags, "log-level", "log.level")
	bindFlag(flags, "history-db", "history.path")
	bindFlag(flags, "nats-url", "notify.nats_url")

	root.AddCommand(
		a.runTaskCmd(),
		a.verifyCmd(),
		a.debugCmd(),
		a.historyCmd(),
		a.tasksCmd(),
	)
	return root
}

// bindFlag records the config key a flag overrides. The binding itself is
// made for the executing command only, since several commands share keys.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	_ = flags.SetAnnotation(name, configKeyAnnotation, []string{key})
}

func (a *app) setup(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configKeyAnnotation]
		if !ok || len(keys) == 0 {
			return
		}
		if err := a.v.BindPFlag(keys[0], f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := a.newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger

	a.logger.Debug("Configuration loaded",
		zap.String("config_file", a.v.ConfigFileUsed()),
		zap.String("stack", cfg.Stack.Name),
		zap.String("region", cfg.AWS.Region))
	return nil
}

// newLogger builds the process logger on stderr so stdout stays parseable
func newLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if format == "json" {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

func (a *app) awsClients(ctx context.Context) (*awsapi.Clients, error) {
	if a.clients != nil {
		return a.clients, nil
	}
	clients, err := a.newClients(ctx, awsapi.Config{
		Region:  a.cfg.AWS.Region,
		Profile: a.cfg.AWS.Profile,
	})
	if err != nil {
		return nil, err
	}
	a.clients = clients
	return clients, nil
}

// openHistory opens the run history. It returns nil when history is
// disabled or cannot be opened; neither changes the outcome of a command.
func (a *app) openHistory() storage.RunHistory {
	if a.cfg.History.Path == "" {
		return nil
	}
	history, err := storage.NewSQLiteRunHistory(a.logger, a.cfg.History.Path)
	if err != nil {
		a.logger.Warn("Run history unavailable",
			zap.String("path", a.cfg.History.Path),
			zap.Error(err))
		return nil
	}
	return history
}

func (a *app) openNotifier(ctx context.Context) notify.Notifier {
	if a.cfg.Notify.NATSURL == "" {
		return notify.Nop{}
	}
	publisher, err := notify.Connect(ctx, notify.Config{
		URL:           a.cfg.Notify.NATSURL,
		Stream:        a.cfg.Notify.Stream,
		SubjectPrefix: a.cfg.Notify.SubjectPrefix,
		Name:          "pipelinectl",
	}, a.logger)
	if err != nil {
		a.logger.Warn("Event publishing disabled",
			zap.String("url", a.cfg.Notify.NATSURL),
			zap.Error(err))
		return notify.Nop{}
	}
	return publisher
}

// render writes v as JSON when requested, otherwise through text
func (a *app) render(v any, text func(w *report.Writer) error) error {
	if a.jsonOutput {
		return report.JSON(a.stdout, v)
	}
	return text(report.NewWriter(a.stdout))
}
