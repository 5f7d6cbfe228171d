// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/config"
	"github.com/xkilldash9x/probe-cli/internal/observability"
)

type ctxKey string

const configKey ctxKey = "probe-cli/config"

// viperKeyAnnotation marks a flag as an override for a config key.
const viperKeyAnnotation = "probe-cli/viper-key"

// errChecksFailed signals failing report rows. The reports already told the
// user what went wrong, so Execute only maps it to the exit code.
var errChecksFailed = errors.New("one or more checks failed")

// NewRootCommand builds the full command tree. Each call returns an
// independent tree, which keeps tests free of shared flag state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "probe-cli",
		Short:         "probe-cli verifies a deployed site in a real browser and probes its REST backend.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			// 1. Config file, environment and flag overrides.
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Validated configuration.
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.NewDefaultConfig().Logger)
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// 3. Logging.
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting probe-cli", zap.String("version", Version), zap.String("command", cmd.CommandPath()))

			// 4. Hand the config to the subcommand.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newRunCmd(),
		newBackendCmd(),
		newDeployCmd(),
		newMonitorCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	return executeRoot(ctx, NewRootCommand())
}

func executeRoot(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	defer observability.Sync()

	logger := observability.GetLogger()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errChecksFailed):
		return 1
	case errors.Is(err, context.Canceled):
		logger.Warn("Interrupted.")
		return 1
	default:
		logger.Error("Command execution failed", zap.Error(err))
		return 1
	}
}

// initializeConfig reads the config file and environment, then binds every
// annotated flag of the running command. A missing default config file is
// fine; an explicit one must exist.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[viperKeyAnnotation]; ok && len(keys) == 1 {
			if err := v.BindPFlag(keys[0], f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		}
	})
	return bindErr
}

// bindFlag ties flag name to a config key so the flag overrides file and
// environment values when set.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("binding unknown flag %q", name))
	}
}

// configFrom returns the config stored by PersistentPreRunE.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}
