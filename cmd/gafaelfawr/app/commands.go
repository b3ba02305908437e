// Package app provides the entry point for the gafaelfawr command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/lsst/gafaelfawr/pkg/logger"
)

// NewRootCmd creates a new root command for the gafaelfawr CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "gafaelfawr",
		DisableAutoGenTag: true,
		Short:             "Gafaelfawr is an authentication and authorization gateway for NGINX ingresses",
		Long: `Gafaelfawr centralizes authentication and authorization decisions for
services behind an NGINX ingress. It exchanges credentials from an upstream
identity provider for an opaque bearer token, caches the resulting identity
and scopes, and answers the ingress's auth_request subrequests.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("error displaying help: %v", err)
			}
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateKeyCmd)
	rootCmd.AddCommand(generateTokenCmd)

	rootCmd.SilenceUsage = true

	return rootCmd
}
