// Package httpapi exposes the custody core to the local UI over a
// loopback HTTP API, and hosts the passkey ceremony relay that brokers
// WebAuthn prompts to the platform UI.
package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine. uiOrigin is the single browser origin
// allowed to talk to the daemon.
func NewRouter(h *Handler, uiOrigin string) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{uiOrigin},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)

		api.POST("/wallets/simple", h.CreateSimpleWallet)
		api.POST("/wallets/smart", h.CreateSmartWallet)

		api.POST("/session/unlock", h.Unlock)
		api.POST("/session/recover", h.Recover)
		api.POST("/session/logout", h.Logout)

		api.GET("/wallet", h.Wallet)
		api.GET("/wallet/qr", h.WalletQR)
		api.GET("/tags/:tag", h.ResolveTag)

		api.POST("/tx/simulate", h.Simulate)
		api.POST("/tx/send", h.Send)
		api.GET("/tx/status/:bundle", h.BundleStatus)

		if h.ceremonies != nil {
			api.GET("/passkey/pending", h.PendingCeremony)
			api.POST("/passkey/complete/:id", h.CompleteCeremony)
		}
	}

	return r
}
