// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin handlers of the compliance admin API.
//
// Handlers never echo raw error text. Conflicts map to 409, integrity
// failures to 503 with the verification result, bad input to 400 and
// everything else to 500 with a fixed message.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
)

var tracer = otel.Tracer("aleutian.compliance.handlers")

// RetentionService is the engine surface the retention handlers need.
type RetentionService interface {
	CleanupExpiredSessions(ctx context.Context, dryRun bool) (retention.CleanupResult, error)
	JobStatus() retention.RetentionJobStatus
	PreviewCleanup(ctx context.Context, limit int) (retention.CleanupPreview, error)
}

// AuditService is the ledger surface the audit handlers need.
type AuditService interface {
	Query(ctx context.Context, filter ledger.QueryFilter) ([]ledger.AuditLogEntry, error)
	VerifyChain(ctx context.Context, startID, endID *int64) (ledger.VerificationResult, error)
	GenerateComplianceReport(ctx context.Context, period ledger.Period) (ledger.ComplianceReport, error)
	ArchiveBefore(ctx context.Context, before time.Time) (ledger.ArchiveResult, error)
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// internalError logs err and answers with msg only.
func internalError(c *gin.Context, event, msg string, err error) {
	slog.ErrorContext(c.Request.Context(), event,
		slog.String("path", c.FullPath()),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
