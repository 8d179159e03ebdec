package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix       = "Bearer "
	adminClaimsKey     = "admin_claims"
	authorizationField = "Authorization"
)

// AdminClaims are the claims carried by an operator token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// adminMiddleware accepts HS256 bearer tokens from the configured issuer carrying the admin role.
func adminMiddleware(cfg Config) gin.HandlerFunc {
	signingKey := []byte(cfg.AdminSigningKey)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.AdminIssuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationField)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		claims := &AdminClaims{}
		_, err := parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		})
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid bearer token"))
			return
		}
		if claims.Role != cfg.AdminRole {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(errorCodeForbidden, "admin role required"))
			return
		}
		ctx.Set(adminClaimsKey, claims)
		ctx.Next()
	}
}
