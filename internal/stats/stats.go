package stats

// Latency is the per-phase operation latency summary carried on results.
// All values are milliseconds.
type Latency struct {
	Samples int64   `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P90Ms   float64 `json:"p90_ms"`
	P99Ms   float64 `json:"p99_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// Summarize converts the microsecond histogram into a Latency value.
// A nil or empty histogram yields the zero Latency.
func Summarize(h *SafeHistogram) Latency {
	if h == nil || h.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		Samples: h.TotalCount(),
		AvgMs:   h.Mean() / 1000.0,
		P50Ms:   float64(h.ValueAtQuantile(50)) / 1000.0,
		P90Ms:   float64(h.ValueAtQuantile(90)) / 1000.0,
		P99Ms:   float64(h.ValueAtQuantile(99)) / 1000.0,
		MaxMs:   float64(h.Max()) / 1000.0,
	}
}
