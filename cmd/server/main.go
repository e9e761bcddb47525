package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"oidc-server/internal/handlers"
	"oidc-server/pkg/config"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "oidc-server",
	Short: "OpenID Connect authorization server",
	Long: `oidc-server issues OAuth 2.0 and OpenID Connect tokens for registered clients.
It authenticates users locally or through upstream OpenID Connect providers and
keeps grants, sessions and interactions in memory, SQLite, PostgreSQL or Redis.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("oidc-server %s (commit %s, built %s)\n", handlers.Version, handlers.GitCommit, handlers.BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file (defaults to $CONFIG_FILE or config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(newGenKeyCmd())
	rootCmd.AddCommand(newClientsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by --config, or CONFIG_FILE when the flag is unset
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Load()
	}
	return config.LoadPath(path)
}

// configureLogger applies the configured level and format
func configureLogger(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("⚠️ Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
