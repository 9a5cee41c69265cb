package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"capital-pools/pool-engine/internal/httpx"
)

const claimsKey = "auth.claims"

// ClaimsFrom returns the claims stored by RequireRole.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// RequireRole rejects requests without a valid bearer token carrying role.
// An empty secret disables the check; config validation refuses that in prod.
func RequireRole(j JWT, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(j.Secret) == 0 {
			c.Next()
			return
		}
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			httpx.Error(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			httpx.Error(c, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Role != role {
			httpx.Error(c, http.StatusForbidden, "insufficient role")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
