// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianCompliance/pkg/ux"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
)

func printVerification(p *ux.Printer, r ledger.VerificationResult) {
	p.Title("Audit chain verification")
	lines := []string{
		fmt.Sprintf("range: %d..%d", r.StartID, r.EndID),
		fmt.Sprintf("entries verified: %d", r.EntriesVerified),
	}
	if r.Valid {
		p.Box("Verification", lines, false)
		p.Success("hash chain intact")
		return
	}
	if r.BrokenAt != nil {
		lines = append(lines, fmt.Sprintf("broken at: %d", *r.BrokenAt))
	}
	if r.ExpectedHash != nil {
		lines = append(lines, "expected: "+r.ExpectedHash.String())
	}
	if r.ActualHash != nil {
		lines = append(lines, "actual:   "+r.ActualHash.String())
	}
	if r.Error != nil {
		lines = append(lines, "reason: "+*r.Error)
	}
	p.Box("Verification", lines, true)
	p.Error("hash chain broken")
}

func printReport(p *ux.Printer, r ledger.ComplianceReport) {
	p.Title("Compliance report")
	p.Field("period", r.Period.Start.Format(time.RFC3339)+" .. "+r.Period.End.Format(time.RFC3339))
	p.Field("total events", r.TotalEvents)
	p.Box("By action", sortedCounts(r.EventsByAction), false)
	p.Box("By user", sortedCounts(r.EventsByUser), false)
	p.Box("By resource type", sortedCounts(r.EventsByResourceType), false)
	bySeverity := make(map[string]int64, len(r.EventsBySeverity))
	for k, v := range r.EventsBySeverity {
		bySeverity[string(k)] = v
	}
	p.Box("By severity", sortedCounts(bySeverity), false)
	if r.HashChainValid {
		p.Success(fmt.Sprintf("hash chain intact (%d entries)", r.Verification.EntriesVerified))
	} else {
		p.Error("hash chain broken")
	}
}

func printEntries(p *ux.Printer, entries []ledger.AuditLogEntry) {
	if len(entries) == 0 {
		p.Warning("no matching audit entries")
		return
	}
	for _, e := range entries {
		resource := e.ResourceType
		if e.ResourceID != nil {
			resource += "/" + *e.ResourceID
		}
		p.Field(fmt.Sprintf("#%d", e.ID), fmt.Sprintf("%s %s %s %s [%s]",
			e.CreatedAt.UTC().Format(time.RFC3339), e.ActorUserID, e.Action, resource, e.Severity))
	}
	p.Counts("entries", len(entries))
}

func printPreview(p *ux.Printer, preview retention.CleanupPreview) {
	p.Title("Retention preview")
	for _, s := range preview.Sessions {
		p.Field(s.SessionID, fmt.Sprintf("user=%s tier=%s age=%dd expired=%s",
			s.UserID, s.Tier, s.AgeDays, s.ExpiredAt.UTC().Format(time.RFC3339)))
	}
	p.Counts("expired", preview.TotalCount, "listed", len(preview.Sessions))
}

func printCleanup(p *ux.Printer, r retention.CleanupResult) {
	title := "Retention cleanup"
	if r.DryRun {
		title += " (dry run)"
	}
	p.Title(title)
	p.Field("run", r.RunID)
	p.Field("duration", time.Duration(r.DurationMs)*time.Millisecond)
	p.Counts("deleted", r.DeletedCount, "free", r.ByTier.Free, "pro", r.ByTier.Pro,
		"users", r.UsersProcessed, "batches", r.BatchesProcessed, "errors", r.ErrorCount)
	if r.ErrorCount > 0 {
		p.Box("Errors", r.Errors, true)
		p.Warning(fmt.Sprintf("%d items failed", r.ErrorCount))
	}
}

func printArchive(p *ux.Printer, r ledger.ArchiveResult) {
	p.Title("Audit archive")
	p.Field("before", r.BeforeDate.UTC().Format(time.RFC3339))
	if !r.Success {
		msg := "archive failed"
		if r.Error != nil {
			msg += ": " + *r.Error
		}
		p.Error(msg)
		return
	}
	if r.Anchor == nil {
		p.Warning("no entries older than cutoff")
		return
	}
	p.Box(string(ux.IconAnchor)+" Anchor", []string{
		"segment: " + r.Anchor.SegmentKey,
		fmt.Sprintf("entries: %d..%d", r.Anchor.FirstID, r.Anchor.ThroughID),
		"anchor hash: " + r.Anchor.AnchorHash.String(),
	}, false)
	p.Success(fmt.Sprintf("archived %d entries", r.ArchivedCount))
}

func sortedCounts(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %d", k, m[k]))
	}
	if len(lines) == 0 {
		lines = append(lines, "none")
	}
	return lines
}
