package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/rentauth"
	"github.com/MrEthical07/rentauth/jwt"
	"github.com/MrEthical07/rentauth/session"
	"github.com/spf13/cobra"
)

// errNotLoggedIn is returned by commands that need a session.
var errNotLoggedIn = errors.New("not logged in")

type loginResult struct {
	User     *session.User `json:"user"`
	Redirect string        `json:"redirect"`
}

func newLoginCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Long: `Log in with email and password. The password may also come from
RENTAUTH_PASSWORD.

Examples:
  rentauthctl login --email renter@example.com --password correct-horse
  RENTAUTH_PASSWORD=correct-horse rentauthctl login --email renter@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = a.v.GetString("password")
			}
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}

			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			user, err := m.Login(cmd.Context(), rentauth.Credentials{Email: email, Password: password})
			if err != nil {
				return err
			}
			res := loginResult{User: user, Redirect: m.PostLoginRedirect(cmd.Context(), user.Role)}
			return a.print(cmd.OutOrStdout(), res,
				fmt.Sprintf("logged in as %s (%s), landing page %s", user.Email, user.Role, res.Redirect))
		},
	}
	cmd.Flags().String("email", "", "account email")
	cmd.Flags().String("password", "", "account password")
	return cmd
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session, refreshing it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := m.ValidateAndRefresh(cmd.Context())
			if err != nil {
				return err
			}
			if sess == nil {
				return errNotLoggedIn
			}
			u := sess.User
			return a.print(cmd.OutOrStdout(), u,
				fmt.Sprintf("%s (%s) id=%s", u.Email, u.Role, u.ID))
		},
	}
}

type refreshResult struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new token pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := m.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			exp, err := jwt.DecodeExpiry(sess.AccessToken)
			if err != nil {
				return err
			}
			res := refreshResult{UserID: sess.UserID(), ExpiresAt: exp.UTC()}
			return a.print(cmd.OutOrStdout(), res,
				fmt.Sprintf("refreshed, access token valid until %s", res.ExpiresAt.Format(time.RFC3339)))
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			if err := m.Logout(cmd.Context()); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]bool{"success": true}, "logged out")
		},
	}
}
