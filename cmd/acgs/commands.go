package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/store"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common       commonFlags
		scanInterval time.Duration
	)
	common.register(cmd)
	cmd.DurationVar(&scanInterval, "scan-interval", 0, "Run a detection scan on this interval (0 disables)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	if err := rt.orch.VerifyIntegrity(ctx, actorOr(common.actor)); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sAudit chain invalid:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	if _, err := rt.orch.RecoverEscalations(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: recover escalations: %v\n", err)
		return 2
	}
	if err := rt.orch.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.orch.Stop()

	_, _ = fmt.Fprintf(stdout, "%sacgs serving%s (workers=%d, monitor=%s)\n",
		ColorGreen, ColorReset, rt.cfg.Orchestrator.Workers, rt.cfg.Escalation.MonitorInterval)

	var tick <-chan time.Time
	if scanInterval > 0 {
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("shutdown signal received")
			return 0
		case <-tick:
			if _, err := rt.orch.RunDetectionScan(ctx, nil, actorOr(common.actor)); err != nil {
				rt.logger.Error("scheduled detection scan failed", "error", err)
			}
		}
	}
}

func runScanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common commonFlags
		ids    string
	)
	common.register(cmd)
	cmd.StringVar(&ids, "ids", "", "Comma-separated principle ids (default: all)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if common.principlesPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --principles is required")
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	candidates, err := rt.orch.RunDetectionScan(ctx, splitList(ids), actorOr(common.actor))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if common.jsonOutput {
		_ = writeJSON(stdout, candidates)
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%d conflict candidate(s)\n", len(candidates))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tSEVERITY\tCONFIDENCE\tPRINCIPLES\tSTRATEGY")
	for _, c := range candidates {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n",
			c.ConflictType, c.Severity, c.Confidence, strings.Join(c.PrincipleIDs, ","), c.RecommendedStrategy)
	}
	_ = tw.Flush()
	return 0
}

func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common commonFlags
		id     string
	)
	common.register(cmd)
	cmd.StringVar(&id, "id", "", "Conflict id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	res, err := rt.orch.ResolveAutomatically(ctx, id, actorOr(common.actor))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if common.jsonOutput {
		_ = writeJSON(stdout, res)
		return 0
	}
	switch {
	case res.Success:
		_, _ = fmt.Fprintf(stdout, "%s✅ %s resolved%s (%s)\n", ColorGreen, id, ColorReset, res.Outcome.StrategyUsed)
	case res.Escalation != nil:
		_, _ = fmt.Fprintf(stdout, "%s escalated to %s: %s\n", id, res.Escalation.Level, res.Escalation.Reason)
	default:
		_, _ = fmt.Fprintf(stdout, "%s is %s\n", id, res.Record.Status)
	}
	return 0
}

func runDecideCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("decide", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common   commonFlags
		id       string
		decision string
	)
	common.register(cmd)
	cmd.StringVar(&id, "id", "", "Conflict id (REQUIRED)")
	cmd.StringVar(&decision, "decision", "", "resolve | escalate_further | defer (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	d := contracts.HumanDecision(decision)
	if id == "" || common.actor == "" || !d.Valid() {
		_, _ = fmt.Fprintln(stderr, "Error: --id, --actor and a valid --decision are required")
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	if _, err := rt.orch.RecoverEscalations(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: recover escalations: %v\n", err)
		return 2
	}
	if _, err := rt.orch.HandleHumanIntervention(ctx, id, d, common.actor); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	rec, err := rt.orch.GetConflict(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if common.jsonOutput {
		_ = writeJSON(stdout, rec)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s is now %s\n", id, rec.Status)
	return 0
}

func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common   commonFlags
		statuses string
		limit    int
	)
	common.register(cmd)
	cmd.StringVar(&statuses, "status", "", "Comma-separated statuses to include")
	cmd.IntVar(&limit, "limit", 0, "Maximum records to list")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	filter := store.Filter{Limit: limit}
	for _, s := range splitList(statuses) {
		filter.Statuses = append(filter.Statuses, contracts.ConflictStatus(strings.ToUpper(s)))
	}
	recs, err := rt.orch.ListConflicts(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if common.jsonOutput {
		_ = writeJSON(stdout, recs)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tSEVERITY\tPRINCIPLES\tUPDATED")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ConflictID, r.Status, r.ConflictType, r.Severity,
			strings.Join(r.PrincipleIDs, ","), r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func runTraceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("trace", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common commonFlags
		id     string
	)
	common.register(cmd)
	cmd.StringVar(&id, "id", "", "Conflict id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	trace, err := rt.orch.GetTrace(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	_ = writeJSON(stdout, trace)
	return 0
}

func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var common commonFlags
	common.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	report, err := rt.orch.GetPerformanceReport(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if common.jsonOutput {
		_ = writeJSON(stdout, report)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%sPerformance report%s\n", ColorBold, ColorReset)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "  detected\t%d\n", report.ConflictsDetected)
	_, _ = fmt.Fprintf(tw, "  auto resolved\t%d\n", report.AutoResolved)
	_, _ = fmt.Fprintf(tw, "  human resolved\t%d\n", report.HumanResolved)
	_, _ = fmt.Fprintf(tw, "  escalated\t%d\n", report.Escalated)
	_, _ = fmt.Fprintf(tw, "  failed\t%d\n", report.Failed)
	_, _ = fmt.Fprintf(tw, "  deferred\t%d\n", report.Deferred)
	_, _ = fmt.Fprintf(tw, "  auto resolution rate\t%.1f%%\n", report.AutoResolutionRate*100)
	_, _ = fmt.Fprintf(tw, "  avg resolution time\t%.0fms\n", report.AvgResolutionTimeMs)
	_ = tw.Flush()
	return 0
}

// runVerifyCmd checks the audit chain. Exit codes: 0 = valid, 1 = chain
// broken, 2 = usage or runtime error.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var common commonFlags
	common.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	err := rt.orch.VerifyIntegrity(ctx, actorOr(common.actor))
	if common.jsonOutput {
		out := map[string]any{"valid": err == nil}
		if err != nil {
			out["error"] = err.Error()
		}
		_ = writeJSON(stdout, out)
	}
	switch {
	case err == nil:
		if !common.jsonOutput {
			_, _ = fmt.Fprintf(stdout, "%s✅ Audit chain verified%s\n", ColorGreen, ColorReset)
		}
		return 0
	case errors.Is(err, contracts.ErrChainIntegrityViolation):
		if !common.jsonOutput {
			_, _ = fmt.Fprintf(stdout, "%s❌ Audit chain broken:%s %v\n", ColorRed, ColorReset, err)
		}
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
}

func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common commonFlags
		from   uint64
	)
	common.register(cmd)
	cmd.Uint64Var(&from, "from", 1, "First sequence number to export")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, ok := common.open(ctx, stderr)
	if !ok {
		return 2
	}
	defer func() { _ = rt.Close() }()

	res, err := rt.orch.ArchiveAudit(ctx, from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	if common.jsonOutput {
		_ = writeJSON(stdout, res)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "archived sequences %d..%d as %s\n", res.StartSeq, res.EndSeq, res.Ref)
	return 0
}

func actorOr(actor string) string {
	if actor == "" {
		return "cli:" + os.Getenv("USER")
	}
	return actor
}

// exitCodeFor maps chain violations to 1 and everything else to 2.
func exitCodeFor(err error) int {
	if errors.Is(err, contracts.ErrChainIntegrityViolation) {
		return 1
	}
	return 2
}
