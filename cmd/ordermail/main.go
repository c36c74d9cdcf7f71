package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/ordermail/internal/app"
	"github.com/foxzi/ordermail/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ordermail",
	Short: "Ordermail - order confirmation mailer",
	Long: `Ordermail reads order spreadsheets, groups orders by customer email
and sends one confirmation per customer through an SMTP relay.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ordermail version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(out, "  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Fprintf(out, "  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Fprintf(out, "  Relay: %s (%s)\n", cfg.RelayAddr(), cfg.SMTP.Security)
	fmt.Fprintf(out, "  From: %s <%s>\n", cfg.Mail.FromName, cfg.Mail.FromEmail)
	fmt.Fprintf(out, "  API: %s\n", cfg.API.ListenAddr)
	fmt.Fprintf(out, "  Uploads: %s\n", cfg.Storage.UploadsDir)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
