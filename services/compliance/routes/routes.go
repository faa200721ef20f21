// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/handlers"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/middleware"
)

// SetupRoutes registers the health, metrics and admin routes.
//
// # Inputs
//
//   - router: Engine to register on.
//   - retention: Enforcement engine.
//   - audit: Ledger.
//   - auth: Guards /v1/admin. Must not be nil.
//   - gatherer: Source for /metrics; nil skips the route.
func SetupRoutes(router *gin.Engine, retention handlers.RetentionService, audit handlers.AuditService,
	auth middleware.Authorizer, gatherer prometheus.Gatherer) {

	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	admin := router.Group("/v1/admin", middleware.AdminAuth(auth))
	{
		ret := admin.Group("/retention")
		{
			ret.POST("/cleanup", handlers.RunCleanup(retention))
			ret.GET("/status", handlers.GetRetentionStatus(retention))
			ret.GET("/preview", handlers.PreviewCleanup(retention))
		}
		aud := admin.Group("/audit")
		{
			aud.GET("/logs", handlers.ListAuditLogs(audit))
			aud.GET("/verify", handlers.VerifyAuditChain(audit))
			aud.GET("/report", handlers.GetComplianceReport(audit))
			aud.POST("/archive", handlers.ArchiveAuditLogs(audit))
		}
	}
}
