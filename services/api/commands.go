package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deptchat/internal/department"
	"github.com/deptchat/internal/directory"
	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/middleware"
	"github.com/deptchat/internal/model"
	"github.com/deptchat/internal/repository"
	"github.com/deptchat/internal/startup"
)

var (
	tokenTTL time.Duration

	newUser model.User

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase()
			if err != nil {
				return err
			}
			db.close()
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a bearer token for a user (requires JWT_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Maintain the local directory projection (users table)",
	}
	userAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create or update a directory user",
		RunE:  runUserAdd,
	}
	userDisableCmd = &cobra.Command{
		Use:   "disable [user-id]",
		Short: "Disable a user; they lose access to support chats",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setDisabled(cmd.Context(), args[0], true) },
	}
	userEnableCmd = &cobra.Command{
		Use:   "enable [user-id]",
		Short: "Re-enable a disabled user",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setDisabled(cmd.Context(), args[0], false) },
	}
)

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default TOKEN_TTL_HOURS)")

	userAddCmd.Flags().StringVar(&newUser.ID, "id", "", "user id (required)")
	userAddCmd.Flags().StringVar(&newUser.Name, "name", "", "display name (required)")
	userAddCmd.Flags().StringVar(&newUser.Email, "email", "", "email")
	userAddCmd.Flags().StringVar(&newUser.Role, "role", "employee", "role")
	userAddCmd.Flags().StringVar(&newUser.Department, "department", "", "department as stored in the HR directory")
	_ = userAddCmd.MarkFlagRequired("id")
	_ = userAddCmd.MarkFlagRequired("name")

	userCmd.AddCommand(userAddCmd, userDisableCmd, userEnableCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if devMode && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "deptchat-dev-secret"
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	tok, err := middleware.IssueToken(cfg.Auth.JWTSecret, args[0], ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	if newUser.Department != "" {
		if _, err := department.Parse(newUser.Department); err != nil {
			logger.Infof("user %s: department %q is not routable, they will not see any queue", newUser.ID, newUser.Department)
		}
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.close()

	if err := repository.NewUserRepository(db.pool).Upsert(cmd.Context(), &newUser); err != nil {
		return err
	}
	forgetProfile(cmd.Context(), newUser.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", newUser.ID)
	return nil
}

func setDisabled(ctx context.Context, userID string, disabled bool) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.close()

	err = repository.NewUserRepository(db.pool).SetDisabled(ctx, userID, disabled)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("user %s not found", userID)
	}
	if err != nil {
		return err
	}
	forgetProfile(ctx, userID)
	return nil
}

// forgetProfile сбрасывает профиль в общем кеше, чтобы изменения справочника применились сразу.
func forgetProfile(ctx context.Context, userID string) {
	if cfg.Redis.URL == "" {
		return
	}
	cache := startup.ConnectCache(cfg.Redis.URL, 5*time.Second)
	defer cache.Close()
	if err := directory.New(nil, cache, 0).Forget(ctx, userID); err != nil {
		logger.Errorf("forget profile %s: %v", userID, err)
	}
}
