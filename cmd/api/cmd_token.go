package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"secondbrain/api/internal/auth"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/rbac"
)

var tokenFlags struct {
	user   string
	name   string
	avatar string
	role   string
	ttl    time.Duration
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.user, "user", "", "user id (required)")
	f.StringVar(&tokenFlags.name, "name", "", "display name")
	f.StringVar(&tokenFlags.avatar, "avatar", "", "avatar url")
	f.StringVar(&tokenFlags.role, "role", string(rbac.RoleEditor), "viewer, commenter, editor or admin")
	f.DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an identity token for local development",
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if tokenFlags.ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	identity := model.Identity{
		UserID:   tokenFlags.user,
		Username: tokenFlags.name,
		Avatar:   tokenFlags.avatar,
		Role:     string(rbac.Normalize(tokenFlags.role)),
	}.OrPlaceholder()

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(identity, tokenFlags.ttl))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
