package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amoylab/clinicpush/internal/auth/jwt"
	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/pkg/utils"
)

var (
	tokenUser   string
	tokenName   string
	tokenRoles  string
	tokenSecret string
	tokenTTL    time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer credential for a staff member",
		Long:  `Issue a bearer credential signed with the configured secret. Intended for development desks and smoke tests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := issueToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "staff user id bound to the session")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenRoles, "roles", "", "comma separated roles, e.g. doctor,admin")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret, defaults to auth.secret_key of the configuration")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "credential lifetime, defaults to auth.duration")
	_ = tokenCmd.MarkFlagRequired("user")
}

func issueToken() (string, error) {
	secret, ttl := tokenSecret, tokenTTL
	if secret == "" || ttl <= 0 {
		cfg, cfgPath, err := config.LoadConfig[config.ServerConfig](configPath)
		if err != nil {
			if secret == "" {
				return "", fmt.Errorf("failed to load configuration %s: %w", cfgPath, err)
			}
		} else {
			if secret == "" {
				secret = cfg.Auth.SecretKey
			}
			if ttl <= 0 {
				ttl = cfg.Auth.Duration
			}
		}
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	svc, err := jwt.NewService(jwt.Config{SecretKey: secret, Duration: ttl})
	if err != nil {
		return "", err
	}
	return svc.GenerateToken(tokenUser, utils.FirstNonEmpty(tokenName, tokenUser), utils.SplitList(tokenRoles))
}
