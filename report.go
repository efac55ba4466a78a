package rentauth

import "time"

// Report summarizes the active configuration for operators.
type Report struct {
	APIBaseURL        string
	StoreKind         StoreKind
	CookieSecure      bool
	CookieHTTPOnly    bool
	CookieSameSite    string
	RefreshSkew       time.Duration
	RotationMemo      time.Duration
	AccessMaxAge      time.Duration
	RefreshMaxAge     time.Duration
	BroadcastActive   bool
	AuditActive       bool
	MetricsActive     bool
	LatencyHistograms bool
	PolicyActions     int
	LintCodes         []string
}

// Report returns the configuration summary of m.
func (m *Manager) Report() Report {
	if m == nil {
		return Report{}
	}

	cfg := m.cfg
	sameSite := cfg.Cookie.SameSite
	if sameSite == "" {
		sameSite = "lax"
	}

	return Report{
		APIBaseURL:        cfg.API.BaseURL,
		StoreKind:         cfg.Store.Kind,
		CookieSecure:      cfg.Cookie.Secure,
		CookieHTTPOnly:    cfg.Cookie.HTTPOnly,
		CookieSameSite:    sameSite,
		RefreshSkew:       cfg.Token.RefreshSkew,
		RotationMemo:      cfg.Token.RotationMemo,
		AccessMaxAge:      cfg.Store.AccessMaxAge,
		RefreshMaxAge:     cfg.Store.RefreshMaxAge,
		BroadcastActive:   m.broadcaster != nil,
		AuditActive:       m.audit != nil,
		MetricsActive:     m.metrics.Enabled(),
		LatencyHistograms: m.metrics.LatencyEnabled(),
		PolicyActions:     len(m.policy.Actions()),
		LintCodes:         cfg.Lint().Codes(),
	}
}
