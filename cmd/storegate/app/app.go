// Package app assembles the storegate command-line interface.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/commercekit/storegate/pkg/logger"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "storegate",
		Short: "Auth and session gateway for the storefront",
		Long: `storegate is the backend-for-frontend auth layer of the storefront:
it drives the OIDC login flow against the identity provider, keeps access
tokens fresh, and proxies authenticated requests to the backend API.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}
