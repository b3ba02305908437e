package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lsst/gafaelfawr/pkg/api"
	"github.com/lsst/gafaelfawr/pkg/config"
	"github.com/lsst/gafaelfawr/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gafaelfawr gateway server",
	Long: `Start the gafaelfawr gateway server, serving the /auth decision
endpoint, the browser login flow, the OIDC issuer, and the token
management API. The configuration file path is read from the
GAFAELFAWR_SETTINGS_PATH environment variable.`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	path := os.Getenv(config.SettingsPathEnvVar)
	if path == "" {
		return fmt.Errorf("%s is not set", config.SettingsPathEnvVar)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("gafaelfawr starting, realm=%s hostname=%s", cfg.Realm, cfg.Hostname)
	return api.Serve(ctx, cfg.Listen, cfg)
}
