package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/buildpilot/internal/cmd/config"
	"github.com/Iron-Ham/buildpilot/internal/cmd/planning"
	appconfig "github.com/Iron-Ham/buildpilot/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "buildpilot",
	Short: "Checkpointed, resumable multi-agent build orchestrator",
	Long: `Buildpilot drives an AI worker through a planned build: subtasks run
in git worktrees, in waves of independent tasks where the plan allows, with
bounded retries, checkpoints after every success and semantic conflict
resolution when parallel tasks touch the same file.

Plans live in <state_dir>/plans/<build-id>.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/buildpilot/config.yaml)")
	rootCmd.PersistentFlags().String("repo", "", "repository to build in (default is the current directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))

	config.Register(rootCmd)
	planning.Register(rootCmd, stateDir)
}

func initConfig() {
	// Defaults first so they apply without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(appconfig.ConfigDir())
		viper.AddConfigPath(".buildpilot")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BUILDPILOT")
	// e.g. BUILDPILOT_BUILD_MAX_ITERATIONS for build.max_iterations
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine
	_ = viper.ReadInConfig()
}
