package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GinSessionKey is the gin context key holding the allowed *session.Session.
const GinSessionKey = "rentauth.session"

// Gin is Require for gin routers.
func (g *Guard) Gin(reqs ...Requirement) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.evaluateHTTP(c.Writer, c.Request, reqs)
		switch {
		case d.Kind == Allowed:
			c.Request = c.Request.WithContext(WithSession(c.Request.Context(), d.Session))
			c.Set(GinSessionKey, d.Session)
			c.Next()
		case d.Kind == Loading:
			c.AbortWithStatus(http.StatusServiceUnavailable)
		case !wantsJSON(c.Request):
			c.Redirect(http.StatusFound, d.Redirect)
			c.Abort()
		case d.Kind == DeniedForbidden:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "insufficient permissions", "redirect": d.Redirect})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "authentication required", "redirect": d.Redirect})
		}
	}
}
