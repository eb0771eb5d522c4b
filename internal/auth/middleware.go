package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const stationKey = "station"

// StationAuth enforces bearer access tokens and stores the station id on
// the request context.
func StationAuth(s *Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := s.Parse(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(stationKey, claims.Station)
		c.Next()
	}
}

// Station returns the authenticated station, or "" before StationAuth ran.
func Station(c *gin.Context) string {
	return c.GetString(stationKey)
}
