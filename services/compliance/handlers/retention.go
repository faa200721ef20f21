// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/middleware"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
)

// RunCleanup triggers an enforcement run.
//
// # Description
//
// POST /v1/admin/retention/cleanup?dryRun=true|false. The run is detached
// from the request context so a dropped connection cannot abort it half
// way; the caller still waits for the result.
//
// # Outputs
//
//   - 200: CleanupResult (item failures are inside it).
//   - 400: dryRun is not a boolean.
//   - 409: A run is already in progress.
//   - 500: The run aborted.
func RunCleanup(svc RetentionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dryRun := false
		if raw := c.Query("dryRun"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "dryRun must be true or false")
				return
			}
			dryRun = v
		}

		ctx, span := tracer.Start(c.Request.Context(), "RunCleanup.handler")
		defer span.End()
		span.SetAttributes(
			attribute.Bool("retention.dry_run", dryRun),
			attribute.String("admin.id", middleware.GetAdmin(c)),
		)

		result, err := svc.CleanupExpiredSessions(context.WithoutCancel(ctx), dryRun)
		switch {
		case errors.Is(err, retention.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "retention cleanup already running"})
		case err != nil:
			span.RecordError(err)
			internalError(c, "retention.cleanup.request_failed", "retention cleanup failed", err)
		default:
			c.JSON(http.StatusOK, result)
		}
	}
}

// GetRetentionStatus returns the engine's job status.
func GetRetentionStatus(svc RetentionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.JobStatus())
	}
}

// PreviewCleanup lists what a run would delete without deleting it.
func PreviewCleanup(svc RetentionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				badRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = v
		}
		preview, err := svc.PreviewCleanup(c.Request.Context(), limit)
		if err != nil {
			internalError(c, "retention.preview.request_failed", "retention preview failed", err)
			return
		}
		c.JSON(http.StatusOK, preview)
	}
}
