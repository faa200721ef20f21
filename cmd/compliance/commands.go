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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCompliance/pkg/logging"
	"github.com/AleutianAI/AleutianCompliance/pkg/ux"
	"github.com/AleutianAI/AleutianCompliance/services/compliance"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/config"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/telemetry"
)

// errReported marks a failure whose details were already printed.
var errReported = errors.New("reported")

var version = "dev"

// cli holds the flags shared by every command.
type cli struct {
	configPath string
	jsonOut    bool
	out        io.Writer

	// newService is replaced in tests.
	newService func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*compliance.Service, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{
		out: os.Stdout,
		newService: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*compliance.Service, error) {
			return compliance.New(ctx, cfg, logger)
		},
	}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "compliance",
		Short:         "Tamper-evident audit ledger and session retention enforcement",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("COMPLIANCE_CONFIG"), "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		c.serveCmd(),
		c.verifyCmd(),
		c.reportCmd(),
		c.logsCmd(),
		c.previewCmd(),
		c.cleanupCmd(),
		c.archiveCmd(),
	)
	return root
}

// =============================================================================
// Commands
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP admin API and the daily retention schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog, err := c.setup()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
				ServiceName:    "compliance-service",
				ServiceVersion: version,
				Exporter:       cfg.Tracing.Exporter,
				Endpoint:       cfg.Tracing.Endpoint,
				Insecure:       cfg.Tracing.Insecure,
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					logger.Warn("compliance.tracing.shutdown_failed", slog.String("error", err.Error()))
				}
			}()

			svc, err := c.newService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Run(ctx)
		},
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	var startID, endID int64
	var segment bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain and report the first break",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *compliance.Service) error {
				var from, to *int64
				if startID > 0 {
					from = &startID
				}
				if endID > 0 {
					to = &endID
				}
				result, err := svc.Ledger().VerifyChain(ctx, from, to)
				if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
					return err
				}
				if segment {
					if segErr := c.verifyLatestSegment(ctx, svc); segErr != nil {
						return segErr
					}
				}
				if c.jsonOut {
					if encErr := c.printJSON(result); encErr != nil {
						return encErr
					}
				} else {
					printVerification(ux.NewPrinter(c.out), result)
				}
				if !result.Valid {
					return errReported
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&startID, "start-id", 0, "First entry ID to verify")
	cmd.Flags().Int64Var(&endID, "end-id", 0, "Last entry ID to verify")
	cmd.Flags().BoolVar(&segment, "segment", false, "Also verify the most recent archived segment against its anchor")
	return cmd
}

func (c *cli) verifyLatestSegment(ctx context.Context, svc *compliance.Service) error {
	anchor, err := svc.Ledger().Store().Anchor(ctx)
	if err != nil {
		return fmt.Errorf("read archive anchor: %w", err)
	}
	p := ux.NewPrinter(c.out)
	if anchor == nil {
		p.Warning("no archived segment to verify")
		return nil
	}
	if svc.ArchiveSink() == nil {
		return fmt.Errorf("segment %s: %w", anchor.SegmentKey, ledger.ErrNoArchiveSink)
	}
	res, err := ledger.VerifySegment(ctx, svc.ArchiveSink(), *anchor)
	if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
		return err
	}
	if !res.Valid {
		p.Error(fmt.Sprintf("segment %s failed verification", anchor.SegmentKey))
		return errReported
	}
	p.Success(fmt.Sprintf("segment %s verified (%d entries)", anchor.SegmentKey, res.EntriesVerified))
	return nil
}

func (c *cli) reportCmd() *cobra.Command {
	var start, end string
	var days int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate audit activity for a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			period, err := parsePeriod(start, end, days, time.Now().UTC())
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, svc *compliance.Service) error {
				report, err := svc.Ledger().GenerateComplianceReport(ctx, period)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(report)
				}
				printReport(ux.NewPrinter(c.out), report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "Period start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "Period end, exclusive (RFC 3339); defaults to now")
	cmd.Flags().IntVar(&days, "days", 30, "Period length in days when --start is omitted")
	return cmd
}

func (c *cli) logsCmd() *cobra.Command {
	var filter ledger.QueryFilter
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List audit entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *compliance.Service) error {
				entries, err := svc.Ledger().Query(ctx, filter)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(entries)
				}
				printEntries(ux.NewPrinter(c.out), entries)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.UserID, "user", "", "Actor user ID")
	cmd.Flags().StringVar(&filter.TeamID, "team", "", "Team ID")
	cmd.Flags().StringSliceVar(&filter.Actions, "action", nil, "Action (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&filter.ResourceTypes, "resource-type", nil, "Resource type (repeatable or comma separated)")
	cmd.Flags().IntVar(&filter.Limit, "limit", ledger.DefaultQueryLimit, "Maximum entries")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Entries to skip")
	return cmd
}

func (c *cli) previewCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show sessions the next retention run would delete",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *compliance.Service) error {
				preview, err := svc.Engine().PreviewCleanup(ctx, limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(preview)
				}
				printPreview(ux.NewPrinter(c.out), preview)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Sessions to list")
	return cmd
}

func (c *cli) cleanupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run retention enforcement once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd, func(ctx context.Context, svc *compliance.Service) error {
				result, err := svc.Engine().CleanupExpiredSessions(ctx, dryRun)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(result)
				}
				printCleanup(ux.NewPrinter(c.out), result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count without deleting or auditing")
	return cmd
}

func (c *cli) archiveCmd() *cobra.Command {
	var before string
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move audit entries older than a cutoff to the archive sink",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := parseCutoff(before, olderThan, time.Now().UTC())
			if err != nil {
				return err
			}
			return c.withService(cmd, func(ctx context.Context, svc *compliance.Service) error {
				result, err := svc.Ledger().ArchiveBefore(ctx, cutoff)
				if c.jsonOut {
					if encErr := c.printJSON(result); encErr != nil {
						return encErr
					}
				} else {
					printArchive(ux.NewPrinter(c.out), result)
				}
				if err != nil {
					return errReported
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "Cutoff (RFC 3339)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Cutoff relative to now, e.g. 8760h")
	return cmd
}

// =============================================================================
// Helpers
// =============================================================================

// setup loads config and builds the process logger.
func (c *cli) setup() (config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Service: "compliance",
		JSON:    cfg.Logging.JSON,
		Dir:     cfg.Logging.Dir,
	})
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger.Slog())
	return cfg, logger.Slog(), func() { _ = logger.Close() }, nil
}

// withService runs fn against a service built from config, without serving.
func (c *cli) withService(cmd *cobra.Command, fn func(context.Context, *compliance.Service) error) error {
	cfg, logger, closeLog, err := c.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := c.newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parsePeriod(start, end string, days int, now time.Time) (ledger.Period, error) {
	p := ledger.Period{End: now}
	var err error
	if end != "" {
		if p.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return ledger.Period{}, fmt.Errorf("--end: %w", err)
		}
	}
	if start != "" {
		if p.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return ledger.Period{}, fmt.Errorf("--start: %w", err)
		}
	} else {
		if days <= 0 {
			return ledger.Period{}, errors.New("--days must be positive")
		}
		p.Start = p.End.Add(-time.Duration(days) * 24 * time.Hour)
	}
	if !p.End.After(p.Start) {
		return ledger.Period{}, errors.New("period end must be after start")
	}
	p.Start, p.End = p.Start.UTC(), p.End.UTC()
	return p, nil
}

func parseCutoff(before string, olderThan time.Duration, now time.Time) (time.Time, error) {
	switch {
	case before != "" && olderThan > 0:
		return time.Time{}, errors.New("use either --before or --older-than")
	case before != "":
		t, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return time.Time{}, fmt.Errorf("--before: %w", err)
		}
		return t.UTC(), nil
	case olderThan > 0:
		return now.Add(-olderThan), nil
	default:
		return time.Time{}, errors.New("--before or --older-than is required")
	}
}
