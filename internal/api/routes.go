package api

// setupRoutes wires every endpoint. Auth endpoints and probes are
// public; everything else requires a bearer token.
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/metrics", s.metricsHandler())
	s.engine.GET("/ws", s.handleWebSocket)

	v1 := s.engine.Group("/api/v1")

	auth := v1.Group("/auth")
	{
		auth.POST("/register", s.handleRegister)
		auth.POST("/login", s.LoginRateLimitMiddleware(), s.handleLogin)

		twofa := auth.Group("/2fa", s.AuthMiddleware())
		{
			twofa.POST("/setup", s.handleTOTPSetup)
			twofa.POST("/enable", s.handleTOTPEnable)
		}
	}

	protected := v1.Group("", s.AuthMiddleware())
	{
		pf := protected.Group("/portfolio")
		{
			pf.GET("", s.handleGetPortfolio)
			pf.GET("/journal", s.handleGetJournal)
			pf.GET("/snapshots", s.handleGetSnapshots)
			pf.PUT("/positions/:id/protection", s.handleSetProtection)
		}

		trades := protected.Group("/trades")
		{
			trades.GET("", s.handleListTrades)
			trades.POST("", s.handleSubmitOrder)
			trades.POST("/:id/close", s.handleCloseTrade)
		}

		platforms := protected.Group("/platforms")
		{
			platforms.GET("", s.handleListPlatforms)
			platforms.POST("", s.handleCreatePlatform)
			platforms.PUT("/:id/test", s.handleTestPlatform)
			platforms.DELETE("/:id", s.handleDeletePlatform)
		}

		market := protected.Group("/market")
		{
			market.GET("/quotes", s.handleGetQuotes)
			market.GET("/:symbol", s.handleGetQuote)
			market.GET("/:symbol/indicators", s.handleGetIndicators)
		}

		alerts := protected.Group("/alerts")
		{
			alerts.GET("", s.handleListAlerts)
			alerts.POST("", s.handleCreateAlert)
			alerts.DELETE("/:id", s.handleDeleteAlert)
			alerts.POST("/:id/dismiss", s.handleDismissAlert)
			alerts.POST("/:id/rearm", s.handleRearmAlert)
		}

		notifications := protected.Group("/notifications")
		{
			notifications.GET("", s.handleListNotifications)
			notifications.POST("/:id/read", s.handleMarkNotificationRead)
			notifications.GET("/prefs", s.handleGetNotificationPrefs)
			notifications.PUT("/prefs", s.handleUpdateNotificationPrefs)
		}

		devices := protected.Group("/devices")
		{
			devices.POST("", s.handleRegisterDevice)
			devices.DELETE("", s.handleUnregisterDevice)
		}

		protected.GET("/mode", s.handleGetMode)
		protected.PUT("/mode", s.handleSetMode)

		approvals := protected.Group("/approvals")
		{
			approvals.GET("", s.handleListApprovals)
			approvals.POST("/:id", s.handleDecideApproval)
		}

		ai := protected.Group("/ai")
		{
			ai.POST("/analyze", s.handleAnalyze)
		}

		protected.GET("/kill-switch", s.handleGetKillSwitch)
		protected.POST("/kill-switch", s.handleEngageKillSwitch)
		protected.DELETE("/kill-switch", s.handleReleaseKillSwitch)

		admin := protected.Group("/admin", s.RequireAdmin())
		{
			admin.GET("/breakers", s.handleListBreakers)
			admin.POST("/breakers/:name/reset", s.handleResetBreaker)
		}
	}
}
