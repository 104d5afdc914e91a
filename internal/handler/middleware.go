package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"custodial-ledger/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	ownerIDKey = "ownerId"

	IdempotencyKeyHeader  = "Idempotency-Key"
	ProvisioningKeyHeader = "X-Provisioning-Key"
)

// Claims is the bearer token payload issued by the identity service.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// AuthMiddleware resolves the caller's owner id from a Bearer token. A
// missing or malformed token is rejected with 403, an expired one with 401.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			abort(c, http.StatusForbidden, "Access token required")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			abort(c, http.StatusUnauthorized, "Token expired")
			return
		case err != nil || !token.Valid:
			abort(c, http.StatusForbidden, "Invalid token")
			return
		case !domain.ValidOwnerID(claims.UserID):
			abort(c, http.StatusForbidden, "Invalid token")
			return
		}

		c.Set(ownerIDKey, claims.UserID)
		c.Next()
	}
}

// GetOwnerID returns the authenticated caller set by AuthMiddleware.
func GetOwnerID(c *gin.Context) (string, bool) {
	v, exists := c.Get(ownerIDKey)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// ProvisioningKeyMiddleware guards the internal provisioning route with a
// shared key.
func ProvisioningKeyMiddleware(expected string) gin.HandlerFunc {
	want := []byte(expected)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(ProvisioningKeyHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			abort(c, http.StatusForbidden, "Invalid provisioning key")
			return
		}
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id, ok := GetOwnerID(c); ok {
			fields = append(fields, zap.String("owner_id", id))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// Recovery turns a panic into a 500 and logs it.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		abort(c, http.StatusInternalServerError, domain.ErrStorageFailure.Message)
	})
}

func abort(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Message: message})
}
