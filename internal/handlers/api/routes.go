package api

import "github.com/gofiber/fiber/v2"

// RegisterMFARoutes mounts the MFA endpoints. middlewares run ahead of each
// handler on its own route.
func RegisterMFARoutes(router fiber.Router, h *MFAHandler, middlewares ...fiber.Handler) {
	chain := func(handler fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler(nil), middlewares...), handler)
	}
	router.Post("/setup", chain(h.PostSetup)...)
	router.Post("/verify", chain(h.PostVerify)...)
	router.Post("/token/validate", chain(h.PostValidateToken)...)
	router.Post("/challenge", chain(h.PostChallenge)...)
	router.Post("/backup-codes/verify", chain(h.PostVerifyBackupCode)...)
	router.Post("/backup-codes/regenerate", chain(h.PostRegenerateBackupCodes)...)
	router.Post("/disable", chain(h.PostDisable)...)
	router.Get("/status/:userID", chain(h.GetStatus)...)
}

func RegisterSecurityRoutes(router fiber.Router, h *SecurityHandler) {
	router.Post("/blacklist", h.PostBlacklist)
	router.Get("/blacklist", h.GetBlacklist)
	router.Get("/blacklist/:ip", h.GetBlacklistEntry)
	router.Delete("/blacklist/:ip", h.DeleteBlacklist)
	router.Post("/login-attempts", h.PostLoginAttempt)
	router.Get("/threats", h.GetThreats)
	router.Get("/stats", h.GetStats)
	router.Post("/check", h.PostCheck)
}
