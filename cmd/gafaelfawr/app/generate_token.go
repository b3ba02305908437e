package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsst/gafaelfawr/pkg/api"
	"github.com/lsst/gafaelfawr/pkg/config"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
)

var (
	generateTokenUsername string
	generateTokenType     string
	generateTokenName     string
	generateTokenScopes   []string
	generateTokenExpires  time.Duration
)

var generateTokenCmd = &cobra.Command{
	Use:   "generate-token",
	Short: "Mint a user or service token directly against the token database",
	Long: `Mint a user or service token without going through the login flow,
bypassing the admin:token scope check normally required of API callers.
Intended for bootstrapping an initial admin token or for local testing.`,
	RunE: runGenerateToken,
}

func init() {
	generateTokenCmd.Flags().StringVar(&generateTokenUsername, "username", "", "owning username (required)")
	generateTokenCmd.Flags().StringVar(&generateTokenType, "type", "user", "token type: user or service")
	generateTokenCmd.Flags().StringVar(&generateTokenName, "name", "bootstrap", "token_name shown to the owner")
	generateTokenCmd.Flags().StringSliceVar(&generateTokenScopes, "scope", nil, "scope to grant (repeatable)")
	generateTokenCmd.Flags().DurationVar(&generateTokenExpires, "expires", 0, "lifetime, e.g. 8760h; zero means never expires")
}

func runGenerateToken(_ *cobra.Command, _ []string) error {
	if generateTokenUsername == "" {
		return fmt.Errorf("--username is required")
	}
	tokenType := token.Type(generateTokenType)
	if tokenType != token.TypeUser && tokenType != token.TypeService {
		return fmt.Errorf("--type must be user or service")
	}

	path := os.Getenv(config.SettingsPathEnvVar)
	if path == "" {
		return fmt.Errorf("%s is not set", config.SettingsPathEnvVar)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx := context.Background()
	manager, _, comps, err := api.BuildManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	var expires *time.Time
	if generateTokenExpires > 0 {
		t := time.Now().UTC().Add(generateTokenExpires)
		expires = &t
	}

	auth := tokenmanager.Auth{Username: "cli-bootstrap", Scopes: token.Scopes{"admin:token"}, IsAdmin: true}
	req := tokenmanager.AdminTokenRequest{
		Username: generateTokenUsername,
		Type:     tokenType,
		Name:     generateTokenName,
		Scopes:   token.Scopes(generateTokenScopes),
		Expires:  expires,
	}

	tok, err := manager.CreateTokenFromAdminRequest(ctx, auth, req, "127.0.0.1")
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	fmt.Println(tok.String())
	return nil
}
