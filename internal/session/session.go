// Package session holds the record of one chaosq run: its results, the
// resource series, checkpoint samples and the derived summary.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chaosq/internal/config"
	"chaosq/internal/monitor"
	"chaosq/internal/throughput"
)

// PhaseMark records when a phase ran, for tagging resource snapshots.
type PhaseMark struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type CheckpointGroup struct {
	Phase   Kind                `json:"phase"`
	Samples []throughput.Sample `json:"samples"`
}

type Summary struct {
	MaxConnections  int             `json:"max_connections"`
	PeakMessageRate float64         `json:"peak_message_rate"`
	TotalMessages   int             `json:"total_messages"`
	Recovered       bool            `json:"recovered"`
	RecoveryTime    time.Duration   `json:"recovery_time_ns,omitempty"`
	Statuses        map[Kind]Status `json:"statuses"`
	Resources       monitor.Summary `json:"resources"`
}

type Session struct {
	ID          string             `json:"id"`
	TestName    string             `json:"test_name"`
	Description string             `json:"description,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	System      monitor.Info       `json:"system"`
	Config      config.Config      `json:"config"`
	Startup     time.Duration      `json:"target_startup_ns,omitempty"`
	Results     []Result           `json:"results"`
	Resources   []monitor.Snapshot `json:"resources"`
	Checkpoints []CheckpointGroup  `json:"checkpoints"`
	Phases      []PhaseMark        `json:"phases"`
	Summary     Summary            `json:"summary"`
	Error       string             `json:"error,omitempty"`
}

// NewID formats <yyyymmdd_hhmmss>_<test_name>_<uuid8>.
func NewID(testName string, now time.Time) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, testName)
	return fmt.Sprintf("%s_%s_%s", now.Format("20060102_150405"), name, uuid.NewString()[:8])
}

func New(cfg config.Config, now time.Time) *Session {
	return &Session{
		ID:          NewID(cfg.TestName, now),
		TestName:    cfg.TestName,
		Description: cfg.Description,
		StartedAt:   now,
		Config:      cfg,
	}
}

func (s *Session) Add(r Result) {
	s.Results = append(s.Results, r)
}

// Find returns the first result of the given kind.
func (s *Session) Find(k Kind) (Result, bool) {
	for _, r := range s.Results {
		if r.Head().Test == k {
			return r, true
		}
	}
	return nil, false
}

func (s *Session) Mark(label string, start, end time.Time) {
	s.Phases = append(s.Phases, PhaseMark{Label: label, Start: start, End: end})
}

func (s *Session) AddCheckpoints(k Kind, samples []throughput.Sample) {
	if len(samples) == 0 {
		return
	}
	s.Checkpoints = append(s.Checkpoints, CheckpointGroup{Phase: k, Samples: samples})
}

// Finish stores the resource series tagged with phases and computes the
// summary.
func (s *Session) Finish(snaps []monitor.Snapshot, now time.Time) {
	s.Resources = TagSnapshots(snaps, s.Phases)
	s.FinishedAt = now
	s.Summary = Summarize(s.Results, monitor.Summarize(s.Resources))
}

// TagSnapshots labels each snapshot with the phase whose window contains it.
// Snapshots between phases are labelled "settle"; those before the first or
// after the last phase stay empty.
func TagSnapshots(snaps []monitor.Snapshot, marks []PhaseMark) []monitor.Snapshot {
	out := make([]monitor.Snapshot, len(snaps))
	copy(out, snaps)
	if len(marks) == 0 {
		return out
	}
	first, last := marks[0].Start, marks[len(marks)-1].End
	for i := range out {
		ts := out[i].Timestamp
		out[i].Phase = ""
		for _, m := range marks {
			if !ts.Before(m.Start) && !ts.After(m.End) {
				out[i].Phase = m.Label
				break
			}
		}
		if out[i].Phase == "" && ts.After(first) && ts.Before(last) {
			out[i].Phase = "settle"
		}
	}
	return out
}

// Summarize derives the headline figures from the results.
func Summarize(results []Result, resources monitor.Summary) Summary {
	sum := Summary{Statuses: make(map[Kind]Status), Resources: resources}
	for _, r := range results {
		sum.Statuses[r.Head().Test] = r.Head().Status
		switch v := r.(type) {
		case *ConnectionResult:
			if v.Successful > sum.MaxConnections {
				sum.MaxConnections = v.Successful
			}
		case *MessageResult:
			sum.TotalMessages += v.Sent
			sum.PeakMessageRate = max(sum.PeakMessageRate, v.PeakRate, v.OverallRate)
		case *EnduranceResult:
			sum.TotalMessages += v.Sent
			sum.PeakMessageRate = max(sum.PeakMessageRate, v.PeakRate, v.OverallRate)
		case *ChaosKillResult:
			sum.Recovered = v.Recovered
			if v.Recovered {
				sum.RecoveryTime = v.RecoveryTime
			}
		}
	}
	return sum
}
