package middleware

import "github.com/gin-gonic/gin"

const (
	TenantKey  = "tenant_id"
	ServiceKey = "service"
	ClaimsKey  = "claims"
)

// TenantID returns the tenant resolved from the caller's token.
func TenantID(c *gin.Context) string {
	return c.GetString(TenantKey)
}

func IsService(c *gin.Context) bool {
	return c.GetBool(ServiceKey)
}
