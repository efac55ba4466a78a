package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrEthical07/rentauth/session"
)

type sessionContextKey struct{}

// SessionFromContext returns the session attached by an allowing guard.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return sess, ok && sess != nil
}

// WithSession attaches sess to ctx.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// Require returns net/http middleware enforcing reqs. Browsers are
// redirected with 302; requests that accept JSON get 401 or 403 with a JSON
// body naming the redirect.
func (g *Guard) Require(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.evaluateHTTP(w, r, reqs)
			if d.Kind == Allowed {
				next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), d.Session)))
				return
			}
			writeDenial(w, r, d)
		})
	}
}

func (g *Guard) evaluateHTTP(w http.ResponseWriter, r *http.Request, reqs []Requirement) Decision {
	req := Request{Path: r.URL.Path, Target: r.URL.RequestURI()}
	for _, apply := range reqs {
		apply(&req)
	}
	return g.EvaluateWith(r.Context(), g.opts.requestSource(w, r), req)
}

func writeDenial(w http.ResponseWriter, r *http.Request, d Decision) {
	if d.Kind == Loading {
		// the client went away while the session resolved
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}
	if !wantsJSON(r) {
		http.Redirect(w, r, d.Redirect, http.StatusFound)
		return
	}

	status, msg := http.StatusUnauthorized, "authentication required"
	if d.Kind == DeniedForbidden {
		status, msg = http.StatusForbidden, "insufficient permissions"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg, "redirect": d.Redirect})
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
