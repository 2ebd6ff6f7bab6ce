package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RoleService marks trusted internal callers such as the scheduler trigger.
const RoleService = "service"

var errMissingTenant = errors.New("token carries no tenant")

// Claims is the caller identity carried in the bearer token.
type Claims struct {
	TenantID     string   `json:"tenant_id,omitempty"`
	Organization string   `json:"organization,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Tenant resolves the caller's tenant, preferring the explicit claim.
func (c *Claims) Tenant() string {
	switch {
	case c.TenantID != "":
		return c.TenantID
	case c.Organization != "":
		return c.Organization
	default:
		return c.Subject
	}
}

func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthRequired validates an HS256 bearer token and stores the caller on the
// gin context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer token required"})
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		service := claims.HasRole(RoleService)
		if claims.Tenant() == "" && !service {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMissingTenant.Error()})
			return
		}

		c.Set(TenantKey, claims.Tenant())
		c.Set(ServiceKey, service)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// ParseToken verifies signature and expiry and rejects any algorithm other
// than HMAC.
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// RequireService rejects callers without the service role.
func RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsService(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "service role required"})
			return
		}
		c.Next()
	}
}

func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
