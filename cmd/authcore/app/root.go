// Package app wires the authcore command line interface.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates the root command for authcore
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authcore",
		Short: "OAuth 2.0 / OIDC authorization server",
		Long: `authcore is the authorization server core of a federated access
control platform. It issues, validates, and introspects OAuth 2.0 tokens
for registered service clients and end users.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default: ./authcore.yaml if present)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(fmt.Sprintf("failed to bind config flag: %v", err))
	}
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("failed to bind debug flag: %v", err))
	}

	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}

// initConfig loads configuration from the environment and an optional
// config file. Every key is also readable as AUTHCORE_<KEY> with dashes
// replaced by underscores.
func initConfig() error {
	viper.SetEnvPrefix("authcore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return nil
	}

	viper.SetConfigName("authcore")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}
