package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/parcelhook/internal/app"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/secrets"
	"github.com/austindbirch/parcelhook/internal/store"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "hookctl",
	Short: "Operate the parcelhook webhook pipeline",
	Long: `hookctl inspects stored events and queued tasks, replays events the
processor never finished, applies the schema and mints relay signing keys.

Settings come from the same environment variables the services read. A
YAML config file may supply any of them; real environment variables win.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hookctl.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall command timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads the config file, if any, into the process environment
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hookctl")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		applyConfigFile(viper.GetViper())
	}

	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// applyConfigFile exports file keys as upper-cased environment variables
// unless the variable is already set.
func applyConfigFile(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		if key == "timeout" || key == "json" {
			continue
		}
		env := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := os.LookupEnv(env); ok {
			continue
		}
		_ = os.Setenv(env, v.GetString(key))
	}
}

func cliLogger() *logging.Logger {
	return logging.NewWithOutput("hookctl", os.Stderr)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// loadConfig reads the environment, checks what role needs and resolves secrets
func loadConfig(ctx context.Context, role config.Role) (config.Config, error) {
	cfg := config.FromEnv()
	if err := cfg.Validate(role); err != nil {
		return cfg, err
	}
	src, err := secrets.New(ctx, cfg.Secrets)
	if err != nil {
		return cfg, err
	}
	defer src.Close()
	if err := app.ResolveSecrets(ctx, &cfg, src, role); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openStore is overridden in tests
var openStore = func(ctx context.Context, log *logging.Logger) (store.Store, config.Config, error) {
	cfg, err := loadConfig(ctx, config.RoleReplay)
	if err != nil {
		return nil, cfg, err
	}
	st, err := app.OpenStore(ctx, cfg, log)
	return st, cfg, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
