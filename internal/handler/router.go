package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	JWTSecret       string
	ProvisioningKey string
}

func NewRouter(h *Handler, cfg RouterConfig, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(log.Named("access")), Recovery(log))

	r.GET("/healthz", h.Health)

	account := r.Group("/api/v1/account", AuthMiddleware(cfg.JWTSecret))
	account.GET("/balance", h.GetBalance)
	account.POST("/transfer", h.Transfer)

	internal := r.Group("/internal/v1", ProvisioningKeyMiddleware(cfg.ProvisioningKey))
	internal.POST("/accounts", h.ProvisionAccount)

	return r
}
