package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CookieName is the login-session cookie. Browser clients get the token as
// an HttpOnly cookie; API clients may send it as a bearer header instead.
const CookieName = "attend_token"

const claimsKey = "claims"

// Authenticate parses the session token from the cookie or the Authorization
// header when one is present and stores the claims in the request context.
// It never aborts; route groups decide what authentication they require.
func Authenticate(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := ""
		if cookie, err := c.Cookie(CookieName); err == nil {
			tokenStr = cookie
		} else if authz := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			tokenStr = strings.TrimSpace(authz[len("bearer "):])
		}
		if tokenStr != "" {
			if claims, err := Parse(tokenStr, signingKey, issuer); err == nil {
				c.Set(claimsKey, claims)
			}
		}
		c.Next()
	}
}

// RequireRole aborts with a JSON error unless the request carries a valid
// session of the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Current(c)
		if !ok || claims.Role != role {
			msg := "Unauthorized"
			if role == RoleStudent {
				msg = "Not logged in"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Next()
	}
}

// Current returns the claims attached by Authenticate, if any.
func Current(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
