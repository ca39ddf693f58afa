package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/officed/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after files, OFFICED_* environment
variables and flags are applied.

Running bare 'officed config' is the same as 'officed config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun(cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun(cmd.OutOrStdout())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the global config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun(cmd.OutOrStdout())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func configShowRun(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func configInitRun(out io.Writer) error {
	home, err := homeDirFunc()
	if err != nil {
		return fmt.Errorf("getting home directory: %w", err)
	}
	path, _ := config.DefaultPaths(home)

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}
	if err := config.Save(config.DefaultConfig(home), path); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Wrote %s\n", styleComplete.Render("✓"), path)
	return nil
}
