package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/MrEthical07/rentauth/authtest"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// demoAccounts are seeded by serve-dev, one per role.
var demoAccounts = []authtest.Account{
	{Email: "user@example.com", Role: permission.RoleUser, DisplayName: "Demo User"},
	{Email: "renter@example.com", Role: permission.RoleRenter, DisplayName: "Demo Renter"},
	{Email: "admin@example.com", Role: permission.RoleAdmin, DisplayName: "Demo Admin"},
	{Email: "root@example.com", Role: permission.RoleSuperAdmin, DisplayName: "Demo Super Admin"},
}

func newServeDevCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Run an in-memory auth API for local development",
		Long: `serve-dev runs an auth API with the login, refresh, logout and me endpoints
and one demo account per role. Tokens are signed with RENTAUTH_JWT_SECRET,
or a random secret when unset. With --redis it also starts an in-memory
redis that throttles failed logins (5 per minute per account) and can back
--store redis.

Examples:
  rentauthctl serve-dev --addr 127.0.0.1:8081
  rentauthctl serve-dev --access-ttl 30s --redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			accessTTL, _ := cmd.Flags().GetDuration("access-ttl")
			password, _ := cmd.Flags().GetString("demo-password")
			withRedis, _ := cmd.Flags().GetBool("redis")

			opts := []authtest.Option{authtest.WithAccessTTL(accessTTL)}
			if secret := a.v.GetString("jwt-secret"); secret != "" {
				opts = append(opts, authtest.WithSecret([]byte(secret)))
			}
			if withRedis {
				mr, err := miniredis.Run()
				if err != nil {
					return fmt.Errorf("start redis: %w", err)
				}
				defer mr.Close()
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				defer rdb.Close()
				opts = append(opts, authtest.WithLoginThrottle(rdb, 5, time.Minute))
				fmt.Fprintf(cmd.OutOrStdout(), "redis listening on %s\n", mr.Addr())
			}

			srv, err := authtest.New(opts...)
			if err != nil {
				return err
			}
			if err := seedDemoAccounts(cmd.OutOrStdout(), srv, password); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "auth API listening on http://%s\n", addr)
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8081", "listen address")
	cmd.Flags().Duration("access-ttl", 15*time.Minute, "access token lifetime")
	cmd.Flags().String("demo-password", "correct-horse", "password of the demo accounts")
	cmd.Flags().Bool("redis", false, "also start an in-memory redis")
	return cmd
}

func seedDemoAccounts(w io.Writer, srv *authtest.Server, password string) error {
	for _, acct := range demoAccounts {
		acct.Password = password
		id, err := srv.AddUser(acct)
		if err != nil {
			return fmt.Errorf("seed %s: %w", acct.Email, err)
		}
		fmt.Fprintf(w, "  %-20s %-12s id=%s\n", acct.Email, acct.Role, id)
	}
	return nil
}
