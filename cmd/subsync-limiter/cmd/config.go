package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after the config file, environment overrides,
defaults and (with --dev) development defaults have been applied.

Examples:
  subsync-limiter config
  SUBSYNC_LIMITER_SERVER_HTTP_ADDR=:9090 subsync-limiter config`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&devMode, "dev", false, "Apply development mode defaults")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
