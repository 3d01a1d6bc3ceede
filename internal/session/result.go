package session

import (
	"time"

	"chaosq/internal/batch"
	"chaosq/internal/monitor"
	"chaosq/internal/stats"
	"chaosq/internal/throughput"
)

type Kind string

const (
	KindConnection Kind = "connection_test"
	KindMessage    Kind = "message_test"
	KindEndurance  Kind = "endurance_test"
	KindChaosFlood Kind = "chaos_flood"
	KindChaosKill  Kind = "chaos_kill"
)

// Order is the fixed phase order of a session.
var Order = []Kind{KindConnection, KindMessage, KindEndurance, KindChaosFlood, KindChaosKill}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusTimedOut  Status = "timed_out"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

const (
	ReasonDisabled         = "disabled"
	ReasonNoConnections    = "no_connections"
	ReasonInterrupted      = "interrupted"
	ReasonFailureThreshold = "failure_threshold"
	ReasonErrorThreshold   = "error_threshold"
	ReasonPoolExhausted    = "pool_exhausted"
	ReasonNotSupervised    = "target_not_supervised"
	ReasonRecoveryTimeout  = "recovery_timeout"
	ReasonTargetNotReady   = "target_not_ready"
)

// Header is common to every result.
type Header struct {
	Test      Kind          `json:"test"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

func (h Header) Head() Header { return h }

// Result is one phase outcome. It is appended to the session once and never
// changed afterwards.
type Result interface {
	Head() Header
}

// Skipped builds the result for a phase that never ran.
func Skipped(kind Kind, reason string, at time.Time) *SkippedResult {
	return &SkippedResult{Header: Header{Test: kind, Status: StatusSkipped, Reason: reason, StartedAt: at}}
}

type SkippedResult struct {
	Header
}

type ConnectionResult struct {
	Header
	Target      int                 `json:"target_connections"`
	Attempted   int                 `json:"attempted"`
	Successful  int                 `json:"successful"`
	Failed      int                 `json:"failed"`
	TimedOut    int                 `json:"timed_out"`
	Batches     int                 `json:"batches"`
	SuccessRate float64             `json:"success_rate"`
	OverallRate float64             `json:"connections_per_second"`
	PeakRate    float64             `json:"peak_connections_per_second"`
	Checkpoints []throughput.Sample `json:"checkpoints"`
	Latency     stats.Latency       `json:"latency"`
	TopErrors   []batch.ErrorCount  `json:"top_errors,omitempty"`
}

type MessageResult struct {
	Header
	Connections        int                 `json:"connections"`
	Target             int                 `json:"target_messages"`
	Sent               int                 `json:"sent"`
	Failed             int                 `json:"failed"`
	TimedOut           int                 `json:"timed_out"`
	Received           int64               `json:"received"`
	Batches            int                 `json:"batches"`
	SuccessRate        float64             `json:"success_rate"`
	OverallRate        float64             `json:"messages_per_second"`
	PeakRate           float64             `json:"peak_messages_per_second"`
	ConnectionsRemoved int                 `json:"connections_removed"`
	Checkpoints        []throughput.Sample `json:"checkpoints"`
	Latency            stats.Latency       `json:"latency"`
	TopErrors          []batch.ErrorCount  `json:"top_errors,omitempty"`
}

type EnduranceResult struct {
	Header
	Planned              time.Duration       `json:"planned_duration_ns"`
	Sent                 int                 `json:"sent"`
	Failed               int                 `json:"failed"`
	TimedOut             int                 `json:"timed_out"`
	Received             int64               `json:"received"`
	Batches              int                 `json:"batches"`
	OverallRate          float64             `json:"messages_per_second"`
	PeakRate             float64             `json:"peak_messages_per_second"`
	MinRate              float64             `json:"min_messages_per_second"`
	ConnectionsRemoved   int                 `json:"connections_removed"`
	ConnectionsRemaining int                 `json:"connections_remaining"`
	Checkpoints          []throughput.Sample `json:"checkpoints"`
	Latency              stats.Latency       `json:"latency"`
	TopErrors            []batch.ErrorCount  `json:"top_errors,omitempty"`
}

type ChaosKillResult struct {
	Header
	States               []string      `json:"states"`
	BaselineConnections  int           `json:"baseline_connections"`
	SurvivingConnections int           `json:"surviving_connections"`
	ConnectionsLost      int           `json:"connections_lost"`
	Recovered            bool          `json:"recovered"`
	RecoveryTime         time.Duration `json:"recovery_time_ns"`
	PollAttempts         int           `json:"poll_attempts"`
	Restarted            bool          `json:"restarted"`
	KillError            string        `json:"kill_error,omitempty"`
}

type ChaosFloodResult struct {
	Header
	States               []string          `json:"states"`
	FloodRequested       int               `json:"flood_requested"`
	FloodSucceeded       int               `json:"flood_succeeded"`
	FloodFailed          int               `json:"flood_failed"`
	BaselineConnections  int               `json:"baseline_connections"`
	SurvivingConnections int               `json:"surviving_connections"`
	ConnectionsLost      int               `json:"connections_lost"`
	UnderLoad            *monitor.Snapshot `json:"under_load,omitempty"`
	Latency              stats.Latency     `json:"latency"`
}
