package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print the resolved configuration and lint findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			r := m.Report()
			cfg := m.Config()

			var b strings.Builder
			fmt.Fprintf(&b, "api:        %s\n", r.APIBaseURL)
			fmt.Fprintf(&b, "store:      %s\n", r.StoreKind)
			fmt.Fprintf(&b, "cookie:     secure=%t httpOnly=%t sameSite=%s\n", r.CookieSecure, r.CookieHTTPOnly, r.CookieSameSite)
			fmt.Fprintf(&b, "refresh:    skew=%s memo=%s\n", r.RefreshSkew, r.RotationMemo)
			fmt.Fprintf(&b, "broadcast:  %t\n", r.BroadcastActive)
			fmt.Fprintf(&b, "actions:    %d\n", r.PolicyActions)
			for _, w := range cfg.Lint() {
				fmt.Fprintf(&b, "lint:       [%s] %s %s\n", w.Severity, w.Code, w.Message)
			}
			return a.print(cmd.OutOrStdout(), r, strings.TrimRight(b.String(), "\n"))
		},
	}
}
