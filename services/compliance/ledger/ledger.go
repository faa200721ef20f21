// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the tamper-evident audit ledger.
//
// # Description
//
// Every security-relevant action is appended as an entry whose hash covers
// its content and the hash of its predecessor. Altering, inserting or
// removing any stored entry breaks the chain from that point on, which
// VerifyChain reports with the exact break point.
//
// # Chain Format
//
//	Genesis(32 zero bytes) <- entry 1 <- entry 2 <- ... <- entry N
//	eventHash = SHA256(sorted-key JSON of prevHash, actor, team, action,
//	            resourceType, resourceId, ip, userAgent, metadata, timestamp)
//
// After ArchiveBefore, the removed prefix lives in a compressed segment and
// the live chain continues from a recorded anchor hash.
//
// # Thread Safety
//
// Ledger is safe for concurrent use; append serialization is delegated to
// the Store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/observability"
)

var tracer = otel.Tracer("aleutian.compliance.ledger")

// SystemActor is the actor recorded for entries the service writes itself.
const SystemActor = "system"

// DefaultVerifyPageSize is how many entries VerifyChain loads per page.
const DefaultVerifyPageSize = 1000

// ErrInvalidEvent is returned by Log for events missing required fields.
var ErrInvalidEvent = errors.New("invalid audit event")

// Option configures a Ledger.
type Option func(*Ledger)

// WithArchiveSink enables ArchiveBefore.
func WithArchiveSink(sink ArchiveSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithVerifyPageSize sets the VerifyChain page size.
func WithVerifyPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// Ledger is the audit ledger service.
type Ledger struct {
	store    Store
	sink     ArchiveSink
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	pageSize int
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		pageSize: DefaultVerifyPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// =============================================================================
// Log
// =============================================================================

// Log appends an event to the chain.
//
// # Description
//
// Classifies the action, normalizes metadata, then asks the store to read
// the head hash and insert the new entry as one atomic unit. The creation
// time is taken inside that unit so timestamps follow append order.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - ev: ActorUserID, Action and ResourceType are required.
//
// # Outputs
//
//   - AuditLogEntry: The stored entry with its assigned ID and hashes.
//   - error: ErrInvalidEvent for missing fields, or a storage error.
//
// # Examples
//
//	entry, err := l.Log(ctx, ledger.Event{
//	    ActorUserID:  "system",
//	    Action:       ledger.ActionSessionDelete,
//	    ResourceType: "session",
//	    ResourceID:   &sessionID,
//	    Metadata:     map[string]any{"reason": "retention_expired"},
//	})
func (l *Ledger) Log(ctx context.Context, ev Event) (AuditLogEntry, error) {
	ctx, span := tracer.Start(ctx, "ledger.Log")
	defer span.End()
	span.SetAttributes(attribute.String("audit.action", ev.Action))

	if ev.ActorUserID == "" || ev.Action == "" || ev.ResourceType == "" {
		return AuditLogEntry{}, fmt.Errorf("%w: actorUserId, action and resourceType are required", ErrInvalidEvent)
	}
	metadata, err := NormalizeMetadata(ev.Metadata)
	if err != nil {
		return AuditLogEntry{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev.Metadata = metadata
	severity := ClassifySeverity(ev.Action)
	category := ClassifyCategory(ev.Action)

	entry, err := l.store.Append(ctx, func(head Hash) (AuditLogEntry, error) {
		createdAt := TruncateTimestamp(l.now())
		hash, err := ComputeHash(ev, head, createdAt)
		if err != nil {
			return AuditLogEntry{}, err
		}
		return AuditLogEntry{
			EventHash:    hash,
			PrevHash:     head,
			ActorUserID:  ev.ActorUserID,
			TeamID:       ev.TeamID,
			Action:       ev.Action,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			IPAddress:    ev.IPAddress,
			UserAgent:    ev.UserAgent,
			Metadata:     ev.Metadata,
			Category:     category,
			Severity:     severity,
			CreatedAt:    createdAt,
		}, nil
	})
	if err != nil {
		l.metrics.RecordAppendError()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return AuditLogEntry{}, fmt.Errorf("append audit entry: %w", err)
	}

	l.metrics.RecordAppend(string(severity))
	span.SetAttributes(attribute.Int64("audit.id", entry.ID))
	l.logger.Debug("ledger.entry.appended",
		slog.Int64("id", entry.ID),
		slog.String("action", entry.Action),
		slog.String("severity", string(entry.Severity)),
		slog.String("event_hash", entry.EventHash.String()),
	)
	return entry, nil
}

// =============================================================================
// Query
// =============================================================================

// Query returns entries matching filter, newest first.
func (l *Ledger) Query(ctx context.Context, filter QueryFilter) ([]AuditLogEntry, error) {
	ctx, span := tracer.Start(ctx, "ledger.Query")
	defer span.End()

	entries, err := l.store.Query(ctx, filter.Normalized())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return entries, nil
}

// Count returns the number of live entries.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	return l.store.Count(ctx)
}

// =============================================================================
// Verification
// =============================================================================

// VerifyChain checks the live chain between startID and endID inclusive.
//
// # Description
//
// nil bounds default to the first and last live entries. The first entry
// of the range must link to its live predecessor, or to the archive anchor
// when it is the first live entry, or to Genesis when nothing was ever
// archived. Entries are streamed in pages so memory stays bounded.
//
// # Outputs
//
//   - VerificationResult: Always populated.
//   - error: *ChainBrokenError (matching ErrChainBroken) when the chain is
//     broken, or a storage error.
func (l *Ledger) VerifyChain(ctx context.Context, startID, endID *int64) (VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	first, last, ok, err := l.store.Bounds(ctx)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("read ledger bounds: %w", err)
	}
	if !ok {
		l.metrics.RecordVerification(true)
		return VerificationResult{Valid: true}, nil
	}
	start, end := first, last
	if startID != nil && *startID > start {
		start = *startID
	}
	if endID != nil && *endID < end {
		end = *endID
	}
	if start > end {
		return VerificationResult{Valid: true, StartID: start, EndID: end}, nil
	}

	expected, err := l.expectedPrev(ctx, start, first)
	if err != nil {
		return VerificationResult{}, err
	}

	v := newChainVerifier(expected)
	from := start
	for {
		page, err := l.store.Range(ctx, from, end, l.pageSize)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("read ledger range: %w", err)
		}
		if !v.feed(page) || len(page) < l.pageSize {
			break
		}
		from = page[len(page)-1].ID + 1
	}
	res := v.result()
	res.StartID, res.EndID = start, end

	span.SetAttributes(
		attribute.Int64("audit.start_id", start),
		attribute.Int64("audit.end_id", end),
		attribute.Bool("audit.valid", res.Valid),
	)
	l.metrics.RecordVerification(res.Valid)
	if !res.Valid {
		l.logger.Error("ledger.chain.broken",
			slog.Int64("broken_at", *res.BrokenAt),
			slog.String("expected_hash", res.ExpectedHash.String()),
			slog.String("actual_hash", res.ActualHash.String()),
		)
		span.SetStatus(codes.Error, "chain broken")
		return res, &ChainBrokenError{Result: res}
	}
	return res, nil
}

func (l *Ledger) expectedPrev(ctx context.Context, start, first int64) (Hash, error) {
	if start > first {
		pred, err := l.store.Predecessor(ctx, start)
		if err != nil {
			return Hash{}, fmt.Errorf("read predecessor of %d: %w", start, err)
		}
		if pred != nil {
			return pred.EventHash, nil
		}
	}
	anchor, err := l.store.Anchor(ctx)
	if err != nil {
		return Hash{}, fmt.Errorf("read archive anchor: %w", err)
	}
	return HeadHash(nil, anchor), nil
}

// =============================================================================
// Compliance Reporting
// =============================================================================

// GenerateComplianceReport aggregates activity over period.
//
// # Description
//
// Walks the same entries Query would return for the period (keyset paged
// by ID so concurrent appends cannot shift pages), counts them by action,
// user, resource type and severity, and verifies the chain over the
// period's ID range. An integrity failure is reported through
// HashChainValid rather than as an error.
func (l *Ledger) GenerateComplianceReport(ctx context.Context, period Period) (ComplianceReport, error) {
	ctx, span := tracer.Start(ctx, "ledger.GenerateComplianceReport")
	defer span.End()

	report := ComplianceReport{
		Period:               period,
		EventsByAction:       map[string]int64{},
		EventsByUser:         map[string]int64{},
		EventsByResourceType: map[string]int64{},
		EventsBySeverity:     map[Severity]int64{},
		HashChainValid:       true,
	}

	var minID, maxID int64
	filter := QueryFilter{Start: period.Start, End: period.End, Limit: MaxQueryLimit}
	for {
		page, err := l.store.Query(ctx, filter)
		if err != nil {
			return ComplianceReport{}, fmt.Errorf("query report period: %w", err)
		}
		for _, e := range page {
			report.TotalEvents++
			report.EventsByAction[e.Action]++
			report.EventsByUser[e.ActorUserID]++
			report.EventsByResourceType[e.ResourceType]++
			report.EventsBySeverity[e.Severity]++
			if maxID == 0 || e.ID > maxID {
				maxID = e.ID
			}
			if minID == 0 || e.ID < minID {
				minID = e.ID
			}
		}
		if len(page) < filter.Limit {
			break
		}
		// IDs start at 1, and MaxID 0 means unbounded.
		next := page[len(page)-1].ID - 1
		if next < 1 {
			break
		}
		filter.MaxID = next
	}

	if report.TotalEvents > 0 {
		res, err := l.VerifyChain(ctx, &minID, &maxID)
		if err != nil && !errors.Is(err, ErrChainBroken) {
			return ComplianceReport{}, err
		}
		report.Verification = res
		report.HashChainValid = res.Valid
	} else {
		report.Verification = VerificationResult{Valid: true}
	}
	report.GeneratedAt = l.now().UTC()

	l.logger.Info("ledger.report.generated",
		slog.Time("period_start", period.Start),
		slog.Time("period_end", period.End),
		slog.Int64("total_events", report.TotalEvents),
		slog.Bool("hash_chain_valid", report.HashChainValid),
	)
	return report, nil
}

// =============================================================================
// Archival
// =============================================================================

// ArchiveBefore moves entries created before the cutoff out of the live chain.
//
// # Description
//
// All or nothing. Under the store's append lock the eligible prefix is
// verified against the current anchor, encoded into a zstd segment and
// written to the sink; the removal and the new anchor then commit in the
// same unit. Any failure leaves the live ledger exactly as it was and
// removes a segment that was already written. A broken prefix is never
// archived. On success an ActionLedgerArchive entry is appended.
//
// # Outputs
//
//   - ArchiveResult: Success with ArchivedCount (0 when nothing qualified),
//     or Success=false with a sanitized Error.
//   - error: Wraps ErrArchiveFailed; also matches ErrChainBroken when the
//     prefix failed verification.
func (l *Ledger) ArchiveBefore(ctx context.Context, before time.Time) (ArchiveResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.ArchiveBefore")
	defer span.End()

	result := ArchiveResult{BeforeDate: before}
	if l.sink == nil {
		return l.archiveFailed(result, ErrNoArchiveSink)
	}

	var written string
	anchor, err := l.store.ArchivePrefix(ctx, before, func(entries []AuditLogEntry, prior *ArchiveAnchor) (ArchiveAnchor, error) {
		res := VerifyRange(entries, HeadHash(nil, prior))
		if !res.Valid {
			return ArchiveAnchor{}, &ChainBrokenError{Result: res}
		}
		data, digest, err := EncodeSegment(entries)
		if err != nil {
			return ArchiveAnchor{}, err
		}
		firstEntry, lastEntry := entries[0], entries[len(entries)-1]
		key := SegmentKey(firstEntry.ID, lastEntry.ID)
		if err := l.sink.Put(ctx, key, data); err != nil {
			return ArchiveAnchor{}, fmt.Errorf("write segment: %w", err)
		}
		written = key
		return ArchiveAnchor{
			ThroughID:     lastEntry.ID,
			AnchorHash:    lastEntry.EventHash,
			FirstID:       firstEntry.ID,
			EntryCount:    int64(len(entries)),
			SegmentKey:    key,
			SegmentSHA256: digest,
			ArchivedAt:    TruncateTimestamp(l.now()),
		}, nil
	})
	if err != nil {
		if written != "" {
			if delErr := l.sink.Delete(context.WithoutCancel(ctx), written); delErr != nil {
				l.logger.Warn("ledger.archive.orphaned_segment",
					slog.String("segment", written),
					slog.String("error", delErr.Error()),
				)
			}
		}
		span.RecordError(err)
		return l.archiveFailed(result, err)
	}

	result.Success = true
	if anchor == nil {
		l.metrics.RecordArchive(0, nil)
		l.logger.Info("ledger.archive.nothing_eligible", slog.Time("before", before))
		return result, nil
	}
	l.metrics.RecordArchive(anchor.EntryCount, nil)
	result.ArchivedCount = anchor.EntryCount
	result.Anchor = anchor
	span.SetAttributes(attribute.Int64("audit.archived", anchor.EntryCount))

	l.logger.Info("ledger.archive.completed",
		slog.Int64("archived", anchor.EntryCount),
		slog.Int64("through_id", anchor.ThroughID),
		slog.String("anchor_hash", anchor.AnchorHash.String()),
		slog.String("segment", anchor.SegmentKey),
	)

	resourceID := anchor.SegmentKey
	if _, err := l.Log(ctx, Event{
		ActorUserID:  SystemActor,
		Action:       ActionLedgerArchive,
		ResourceType: "audit_segment",
		ResourceID:   &resourceID,
		Metadata: map[string]any{
			"archivedCount": anchor.EntryCount,
			"firstId":       anchor.FirstID,
			"throughId":     anchor.ThroughID,
			"anchorHash":    anchor.AnchorHash.String(),
			"before":        FormatTimestamp(before),
		},
	}); err != nil {
		l.logger.Warn("ledger.archive.audit_failed", slog.String("error", err.Error()))
	}
	return result, nil
}

func (l *Ledger) archiveFailed(result ArchiveResult, err error) (ArchiveResult, error) {
	l.metrics.RecordArchive(0, err)
	msg := "archive failed; ledger unchanged"
	var broken *ChainBrokenError
	switch {
	case errors.As(err, &broken):
		msg = broken.Error()
	case errors.Is(err, ErrNoArchiveSink):
		msg = ErrNoArchiveSink.Error()
	}
	result.Error = &msg
	l.logger.Error("ledger.archive.failed",
		slog.Time("before", result.BeforeDate),
		slog.String("error", err.Error()),
	)
	return result, fmt.Errorf("%w: %w", ErrArchiveFailed, err)
}
