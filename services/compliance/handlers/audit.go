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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/middleware"
)

// AuditLogsResponse is the body of GET /audit/logs.
type AuditLogsResponse struct {
	Entries []ledger.AuditLogEntry `json:"entries"`
	Count   int                    `json:"count"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// ArchiveRequest is the body of POST /audit/archive.
type ArchiveRequest struct {
	Before time.Time `json:"before" binding:"required"`
}

// ListAuditLogs queries the ledger, newest first.
//
// # Inputs
//
// Query parameters: userId, teamId, action (repeatable or comma separated),
// resourceType (same), start and end (RFC 3339, half-open), limit, offset.
func ListAuditLogs(svc AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := parseQueryFilter(c)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		entries, err := svc.Query(c.Request.Context(), filter)
		if err != nil {
			internalError(c, "ledger.query.request_failed", "audit query failed", err)
			return
		}
		if entries == nil {
			entries = []ledger.AuditLogEntry{}
		}
		n := filter.Normalized()
		c.JSON(http.StatusOK, AuditLogsResponse{
			Entries: entries,
			Count:   len(entries),
			Limit:   n.Limit,
			Offset:  n.Offset,
		})
	}
}

// VerifyAuditChain recomputes the chain over an optional ID range.
//
// # Outputs
//
//   - 200: VerificationResult with Valid=true.
//   - 503: VerificationResult locating the break.
//   - 400/500: Bad range or storage failure.
func VerifyAuditChain(svc AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		startID, err := optionalID(c, "startId")
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		endID, err := optionalID(c, "endId")
		if err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "VerifyAuditChain.handler")
		defer span.End()

		result, err := svc.VerifyChain(ctx, startID, endID)
		switch {
		case errors.Is(err, ledger.ErrChainBroken):
			span.SetAttributes(attribute.Bool("audit.valid", false))
			c.JSON(http.StatusServiceUnavailable, result)
		case err != nil:
			internalError(c, "ledger.verify.request_failed", "audit verification failed", err)
		default:
			span.SetAttributes(attribute.Bool("audit.valid", true))
			c.JSON(http.StatusOK, result)
		}
	}
}

// GetComplianceReport aggregates ledger activity for [start, end).
//
// An invalid chain is reported in the body through hashChainValid.
func GetComplianceReport(svc AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, err := requiredTime(c, "start")
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		end, err := requiredTime(c, "end")
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if !end.After(start) {
			badRequest(c, "end must be after start")
			return
		}
		report, err := svc.GenerateComplianceReport(c.Request.Context(), ledger.Period{Start: start, End: end})
		if err != nil {
			internalError(c, "ledger.report.request_failed", "compliance report failed", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// ArchiveAuditLogs moves entries created before a cutoff to the archive sink.
//
// # Outputs
//
//   - 200: ArchiveResult (ArchivedCount may be 0).
//   - 503: The eligible prefix failed verification; nothing was archived.
//   - 500: Any other failure; the live ledger is unchanged.
func ArchiveAuditLogs(svc AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ArchiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "body must be {\"before\": RFC 3339 timestamp}")
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "ArchiveAuditLogs.handler")
		defer span.End()

		slog.InfoContext(ctx, "ledger.archive.requested",
			slog.Time("before", req.Before),
			slog.String("admin", middleware.GetAdmin(c)),
		)
		result, err := svc.ArchiveBefore(ctx, req.Before)
		switch {
		case errors.Is(err, ledger.ErrChainBroken):
			c.JSON(http.StatusServiceUnavailable, result)
		case err != nil:
			span.RecordError(err)
			slog.ErrorContext(ctx, "ledger.archive.request_failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, result)
		default:
			c.JSON(http.StatusOK, result)
		}
	}
}

// =============================================================================
// Parameter parsing
// =============================================================================

func parseQueryFilter(c *gin.Context) (ledger.QueryFilter, error) {
	filter := ledger.QueryFilter{
		UserID:        c.Query("userId"),
		TeamID:        c.Query("teamId"),
		Actions:       splitMulti(c.QueryArray("action")),
		ResourceTypes: splitMulti(c.QueryArray("resourceType")),
	}
	var err error
	if filter.Start, err = optionalTime(c, "start"); err != nil {
		return filter, err
	}
	if filter.End, err = optionalTime(c, "end"); err != nil {
		return filter, err
	}
	if !filter.Start.IsZero() && !filter.End.IsZero() && !filter.End.After(filter.Start) {
		return filter, errors.New("end must be after start")
	}
	if filter.Limit, err = optionalInt(c, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = optionalInt(c, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

// splitMulti flattens repeated and comma separated values.
func splitMulti(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func optionalTime(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}

func requiredTime(c *gin.Context, name string) (time.Time, error) {
	if c.Query(name) == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	return optionalTime(c, name)
}

func optionalInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func optionalID(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return nil, fmt.Errorf("%s must be a positive integer", name)
	}
	return &v, nil
}
