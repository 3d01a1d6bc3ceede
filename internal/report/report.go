// Package report writes a finished session to disk as JSON, CSV and Markdown.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"chaosq/internal/monitor"
	"chaosq/internal/session"
)

const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// Dir is where a session's files go: <outputDir>/sessions/<id>.
func Dir(outputDir, id string) string {
	return filepath.Join(outputDir, "sessions", id)
}

// Write renders s in each requested format and returns the paths written.
// The performance data file accompanies the JSON format.
func Write(outputDir string, formats []string, s *session.Session) ([]string, error) {
	dir := Dir(outputDir, s.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	var written []string
	emit := func(name string, fn func(string, *session.Session) error) error {
		path := filepath.Join(dir, name)
		if err := fn(path, s); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if slices.Contains(formats, FormatJSON) {
		if err := emit("results_"+s.ID+".json", ExportJSON); err != nil {
			return written, err
		}
		if err := emit("performance_data_"+s.ID+".json", ExportPerformance); err != nil {
			return written, err
		}
	}
	if slices.Contains(formats, FormatCSV) {
		if err := emit("summary_"+s.ID+".csv", ExportCSV); err != nil {
			return written, err
		}
	}
	if slices.Contains(formats, FormatMarkdown) {
		if err := emit("report_"+s.ID+".md", ExportMarkdown); err != nil {
			return written, err
		}
	}
	return written, nil
}

// ExportJSON writes the whole session.
func ExportJSON(filename string, s *session.Session) error {
	return writeJSON(filename, s)
}

// PerformanceData is the time-series part of a session, for plotting.
type PerformanceData struct {
	SessionID   string                    `json:"session_id"`
	Phases      []session.PhaseMark       `json:"phases"`
	Checkpoints []session.CheckpointGroup `json:"checkpoints"`
	Resources   []monitor.Snapshot        `json:"resources"`
}

func ExportPerformance(filename string, s *session.Session) error {
	return writeJSON(filename, PerformanceData{
		SessionID:   s.ID,
		Phases:      s.Phases,
		Checkpoints: s.Checkpoints,
		Resources:   s.Resources,
	})
}

func writeJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

var csvHeader = []string{
	"test", "status", "reason", "target", "achieved", "success_rate",
	"rate_per_sec", "peak_rate_per_sec", "duration_s", "notes",
}

// ExportCSV writes one row per phase result.
func ExportCSV(filename string, s *session.Session) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range s.Results {
		if err := w.Write(Row(r).Record()); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// SummaryRow is the flattened view of one result shared by the CSV and
// Markdown outputs.
type SummaryRow struct {
	Test        session.Kind
	Status      session.Status
	Reason      string
	Target      string
	Achieved    string
	SuccessRate string
	Rate        string
	PeakRate    string
	Duration    time.Duration
	Notes       string
}

func (r SummaryRow) Record() []string {
	return []string{
		string(r.Test), string(r.Status), r.Reason, r.Target, r.Achieved,
		r.SuccessRate, r.Rate, r.PeakRate, fmt.Sprintf("%.2f", r.Duration.Seconds()), r.Notes,
	}
}

func Row(r session.Result) SummaryRow {
	h := r.Head()
	row := SummaryRow{Test: h.Test, Status: h.Status, Reason: h.Reason, Duration: h.Duration}

	switch v := r.(type) {
	case *session.ConnectionResult:
		row.Target = strconv.Itoa(v.Target)
		row.Achieved = strconv.Itoa(v.Successful)
		row.SuccessRate = pct(v.SuccessRate)
		row.Rate = rate(v.OverallRate)
		row.PeakRate = rate(v.PeakRate)
		row.Notes = fmt.Sprintf("failed=%d timed_out=%d batches=%d", v.Failed, v.TimedOut, v.Batches)
	case *session.MessageResult:
		row.Target = strconv.Itoa(v.Target)
		row.Achieved = strconv.Itoa(v.Sent)
		row.SuccessRate = pct(v.SuccessRate)
		row.Rate = rate(v.OverallRate)
		row.PeakRate = rate(v.PeakRate)
		row.Notes = fmt.Sprintf("errors=%d received=%d removed=%d", v.Failed, v.Received, v.ConnectionsRemoved)
	case *session.EnduranceResult:
		row.Target = v.Planned.String()
		row.Achieved = strconv.Itoa(v.Sent)
		row.Rate = rate(v.OverallRate)
		row.PeakRate = rate(v.PeakRate)
		row.Notes = fmt.Sprintf("errors=%d min_rate=%.1f remaining=%d", v.Failed, v.MinRate, v.ConnectionsRemaining)
	case *session.ChaosFloodResult:
		row.Target = strconv.Itoa(v.FloodRequested)
		row.Achieved = strconv.Itoa(v.FloodSucceeded)
		if v.FloodRequested > 0 {
			row.SuccessRate = pct(float64(v.FloodSucceeded) / float64(v.FloodRequested) * 100)
		}
		row.Notes = fmt.Sprintf("baseline=%d surviving=%d lost=%d", v.BaselineConnections, v.SurvivingConnections, v.ConnectionsLost)
	case *session.ChaosKillResult:
		row.Achieved = strconv.FormatBool(v.Recovered)
		row.Notes = fmt.Sprintf("recovery=%s polls=%d surviving=%d lost=%d",
			v.RecoveryTime.Round(time.Millisecond), v.PollAttempts, v.SurvivingConnections, v.ConnectionsLost)
	}
	return row
}

func pct(v float64) string  { return fmt.Sprintf("%.1f%%", v) }
func rate(v float64) string { return fmt.Sprintf("%.1f", v) }
