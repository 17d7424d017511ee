// Package config provides CLI commands for managing buildpilot configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/buildpilot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify buildpilot configuration",
	Long: `View or modify buildpilot configuration.

Use 'config show' to display the effective configuration.
Use subcommands to modify settings or create a config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  buildpilot config set build.max_iterations 5
  buildpilot config set build.pause_on_failure true
  buildpilot config set scheduler.max_parallel 4
  buildpilot config set merge.policy conservative
  buildpilot config set worker.args "--print,--verbose"

Run 'buildpilot config show' to list every key. List values are comma separated.
The resulting configuration is validated before it is saved.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/buildpilot/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  buildpilot config reset                        # Reset all to defaults
  buildpilot config reset build.max_iterations   # Reset only build.max_iterations`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configResetCmd)
}

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// defaults returns a viper instance holding only the default values.
func defaults() *viper.Viper {
	v := viper.New()
	appconfig.SetDefaultsOn(v)
	return v
}

// settings renders the configuration keys of v as YAML.
func settings(v *viper.Viper) (string, error) {
	all := make(map[string]any)
	for _, key := range defaults().AllKeys() {
		setNested(all, strings.Split(key, "."), v.Get(key))
	}
	out, err := yaml.Marshal(all)
	if err != nil {
		return "", fmt.Errorf("failed to render configuration: %w", err)
	}
	return string(out), nil
}

func setNested(m map[string]any, path []string, value any) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	text, err := settings(viper.GetViper())
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}

// parseValue converts raw to the type of the key's default value.
func parseValue(key, raw string) (any, error) {
	d := defaults()
	if !slices.Contains(d.AllKeys(), key) {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'buildpilot config show' to see valid keys", key)
	}
	switch def := d.Get(key).(type) {
	case bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return v, nil
	case int, int64:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return v, nil
	case float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return v, nil
	case []string:
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	case string:
		return raw, nil
	default:
		return nil, fmt.Errorf("%s cannot be set from the command line (type %T)", key, def)
	}
}

// save validates the configuration held by viper and writes it to the user
// config file.
func save(out io.Writer) error {
	if _, err := appconfig.LoadFrom(viper.GetViper()); err != nil {
		return fmt.Errorf("configuration not saved: %w", err)
	}
	if err := os.MkdirAll(appconfig.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	value, err := parseValue(key, raw)
	if err != nil {
		return err
	}

	previous := viper.Get(key)
	viper.Set(key, value)
	if err := save(cmd.OutOrStdout()); err != nil {
		viper.Set(key, previous)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
	return nil
}

const configHeader = `# buildpilot configuration
#
# Every key can also be set through the environment, e.g.
# BUILDPILOT_BUILD_MAX_ITERATIONS=5 for build.max_iterations.
# Durations are in milliseconds.

`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'buildpilot config set' to modify values", configFile)
	}
	if err := os.MkdirAll(appconfig.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	text, err := settings(defaults())
	if err != nil {
		return err
	}
	if err := os.WriteFile(configFile, []byte(configHeader+text), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", appconfig.ConfigFile())
	fmt.Fprintln(out, "  2. ./.buildpilot/config.yaml")
	fmt.Fprintln(out, "  3. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: BUILDPILOT_* (e.g., BUILDPILOT_BUILD_MAX_ITERATIONS)")
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	d := defaults()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		for _, key := range d.AllKeys() {
			viper.Set(key, d.Get(key))
		}
		fmt.Fprintln(out, "Reset all configuration to defaults.")
	} else {
		key := args[0]
		if !slices.Contains(d.AllKeys(), key) {
			return fmt.Errorf("unknown configuration key: %s\nRun 'buildpilot config show' to see valid keys", key)
		}
		viper.Set(key, d.Get(key))
		fmt.Fprintf(out, "Reset %s to default: %v\n", key, d.Get(key))
	}
	return save(out)
}
