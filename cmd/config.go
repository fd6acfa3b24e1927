package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printConfig(cmd, cfg)
	},
}

func printConfig(cmd *cobra.Command, c *config.Config) error {
	redacted := *c
	if redacted.Verifier.Anthropic.Key != "" {
		redacted.Verifier.Anthropic.Key = "***"
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(redacted); err != nil {
		return eris.Wrap(err, "encode config")
	}
	return enc.Close()
}

func init() {
	rootCmd.AddCommand(configCmd)
}
