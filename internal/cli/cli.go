// Package cli runs a session without the TUI, printing a progress line and a
// final summary to the console.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"chaosq/internal/config"
	"chaosq/internal/orchestrator"
	"chaosq/internal/report"
	"chaosq/internal/session"
)

const rule = "======================================================================\n"

// Runner is what Start drives. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context) (*session.Session, error)
}

// Start runs r to completion, rendering the events it publishes on events,
// then writes the reports. r must be the only producer on events.
func Start(ctx context.Context, cfg config.Config, r Runner, events <-chan orchestrator.Event) (*session.Session, error) {
	return start(ctx, os.Stdout, cfg, r, events)
}

func start(ctx context.Context, w io.Writer, cfg config.Config, r Runner, events <-chan orchestrator.Event) (*session.Session, error) {
	printHeader(w, cfg)

	type outcome struct {
		sess *session.Session
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := r.Run(ctx)
		done <- outcome{s, err}
	}()

	var out outcome
loop:
	for {
		select {
		case e := <-events:
			render(w, e)
		case out = <-done:
			break loop
		}
	}
	// Events already buffered still get printed.
	for {
		select {
		case e := <-events:
			render(w, e)
			continue
		default:
		}
		break
	}

	if out.sess == nil {
		return nil, out.err
	}
	PrintSummary(w, out.sess)
	if err := handleReports(w, cfg, out.sess); err != nil && out.err == nil {
		out.err = err
	}
	return out.sess, out.err
}

func printHeader(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "\n🚀 STARTING CHAOSQ SESSION: %s\n", cfg.TestName)
	fmt.Fprint(w, rule)
	fmt.Fprintf(w, "Target     : %s (%s)\n", cfg.Target.WSURL, cfg.Target.Variant)
	if cfg.Target.HealthURL != "" {
		fmt.Fprintf(w, "Health     : %s\n", cfg.Target.HealthURL)
	}
	if cfg.Supervised() {
		fmt.Fprintf(w, "Process    : %s\n", strings.Join(cfg.Process.Command, " "))
	}
	fmt.Fprintf(w, "Phases     : %s\n", strings.Join(enabledPhases(cfg), ", "))
	fmt.Fprintf(w, "Output     : %s\n", cfg.Reporting.OutputDir)
	fmt.Fprint(w, rule)
}

func enabledPhases(cfg config.Config) []string {
	t := cfg.Tests
	var out []string
	for _, p := range []struct {
		k  session.Kind
		on bool
	}{
		{session.KindConnection, t.Connection.Enabled},
		{session.KindMessage, t.Message.Enabled},
		{session.KindEndurance, t.Endurance.Enabled},
		{session.KindChaosFlood, t.ChaosFlood.Enabled},
		{session.KindChaosKill, t.ChaosKill.Enabled},
	} {
		if p.on {
			out = append(out, string(p.k))
		}
	}
	if len(out) == 0 {
		return []string{"none"}
	}
	return out
}

func render(w io.Writer, e orchestrator.Event) {
	switch e.Kind {
	case orchestrator.EventPhaseStarted:
		fmt.Fprintf(w, "\n▶ %s (pool: %d)\n", e.Phase, e.PoolSize)
	case orchestrator.EventProgress:
		pct := 0.0
		if e.Target > 0 {
			pct = min(float64(e.Attempted)/float64(e.Target), 1)
		}
		target := "-"
		if e.Target > 0 {
			target = fmt.Sprint(e.Target)
		}
		fmt.Fprintf(w, "\r%s %3.0f%% | %d/%s | OK: %d | Err: %d | Pool: %d | Rate: %.1f/s   ",
			progressBar(pct, 20), pct*100, e.Attempted, target, e.Succeeded, e.Failed, e.PoolSize, e.Rate)
	case orchestrator.EventPhaseFinished:
		if e.Status == session.StatusSkipped {
			fmt.Fprintf(w, "\n⏭  %s skipped (%s)\n", e.Phase, e.Reason)
			return
		}
		line := fmt.Sprintf("\n✔ %s %s", e.Phase, e.Status)
		if e.Reason != "" {
			line += " (" + e.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

// PrintSummary writes the per-phase table and the session summary.
func PrintSummary(w io.Writer, s *session.Session) {
	fmt.Fprintf(w, "\n\n📊 CHAOSQ RESULTS (%s)\n", s.ID)
	fmt.Fprint(w, rule)
	fmt.Fprintf(w, "Total Duration  : %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	if s.Startup > 0 {
		fmt.Fprintf(w, "Target Startup  : %s\n", s.Startup.Round(time.Millisecond))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Aborted         : %s\n", s.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-16s %-10s %-18s %10s %10s %10s\n", "PHASE", "STATUS", "REASON", "ACHIEVED", "RATE/s", "PEAK/s")
	for _, r := range s.Results {
		row := report.Row(r)
		fmt.Fprintf(w, "%-16s %-10s %-18s %10s %10s %10s\n",
			row.Test, row.Status, dash(row.Reason), dash(row.Achieved), dash(row.Rate), dash(row.PeakRate))
	}

	sum := s.Summary
	fmt.Fprintf(w, "\n🏁 SUMMARY\n")
	fmt.Fprintf(w, "   Max Connections : %d\n", sum.MaxConnections)
	fmt.Fprintf(w, "   Total Messages  : %d\n", sum.TotalMessages)
	fmt.Fprintf(w, "   Peak Msg Rate   : %.1f/s\n", sum.PeakMessageRate)
	if k, ok := s.Find(session.KindChaosKill); ok && k.Head().Status != session.StatusSkipped {
		if sum.Recovered {
			fmt.Fprintf(w, "   Recovery        : %s\n", sum.RecoveryTime.Round(time.Millisecond))
		} else {
			fmt.Fprintf(w, "   Recovery        : not recovered\n")
		}
	}
	if res := sum.Resources; res.Count > 0 {
		fmt.Fprintf(w, "\n🖥️  RESOURCES (%d samples)\n", res.Count)
		fmt.Fprintf(w, "   System CPU   : avg %.1f%% / max %.1f%%\n", res.SystemCPU.Avg, res.SystemCPU.Max)
		fmt.Fprintf(w, "   System Mem   : max %.0f MB\n", res.SystemMemoryMB.Max)
		fmt.Fprintf(w, "   Target CPU   : avg %.1f%% / max %.1f%%\n", res.TargetCPU.Avg, res.TargetCPU.Max)
		fmt.Fprintf(w, "   Target Mem   : max %.1f MB\n", res.TargetMemoryMB.Max)
		fmt.Fprintf(w, "   Open Files   : peak %d\n", res.PeakOpenFiles)
	}
	fmt.Fprint(w, rule)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func handleReports(w io.Writer, cfg config.Config, s *session.Session) error {
	if len(cfg.Reporting.Formats) == 0 {
		return nil
	}
	paths, err := report.Write(cfg.Reporting.OutputDir, cfg.Reporting.Formats, s)
	if err != nil {
		fmt.Fprintf(w, "\n❌ Report failed: %v\n", err)
		return err
	}
	fmt.Fprintf(w, "\n💾 Reports saved to %s\n", report.Dir(cfg.Reporting.OutputDir, s.ID))
	for _, p := range paths {
		fmt.Fprintf(w, "   %s\n", p)
	}
	return nil
}
