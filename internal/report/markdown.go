package report

import (
	"os"
	"strings"
	"text/template"
	"time"

	"chaosq/internal/session"
)

var markdownTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"title": func(k session.Kind) string {
		words := strings.Split(string(k), "_")
		for i, w := range words {
			if w != "" {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
		return strings.Join(words, " ")
	},
	"row":  Row,
	"date": func(t time.Time) string { return t.Format("January 2, 2006 at 15:04:05") },
	"secs": func(d time.Duration) string { return d.Round(10 * time.Millisecond).String() },
	"dash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
}).Parse(`# {{.TestName}} Chaos Test Results

## Session {{.ID}}
**Date:** {{date .StartedAt}}
{{- if .Description}}

{{.Description}}
{{- end}}

## System
- **Host:** {{.System.Hostname}} ({{.System.OS}} {{.System.Platform}} {{.System.PlatformVersion}})
- **CPU:** {{.System.CPUModel}} ({{.System.CPUCores}} cores, {{.System.CPUThreads}} threads)
- **Memory:** {{printf "%.1f" .System.MemoryTotalGB}} GB
- **File descriptor limit:** {{.System.FDLimit}}
{{- if .Startup}}
- **Target startup:** {{secs .Startup}}
{{- end}}
{{- if .Error}}

> **Session aborted:** {{.Error}}
{{- end}}

## Results

| Test | Status | Target | Achieved | Success | Rate/s | Peak/s | Duration |
|---|---|---|---|---|---|---|---|
{{- range .Results}}{{$r := row .}}
| {{title $r.Test}} | {{$r.Status}}{{if $r.Reason}} ({{$r.Reason}}){{end}} | {{dash $r.Target}} | {{dash $r.Achieved}} | {{dash $r.SuccessRate}} | {{dash $r.Rate}} | {{dash $r.PeakRate}} | {{secs $r.Duration}} |
{{- end}}
{{range .Results}}{{$r := row .}}{{if ne (print $r.Status) "skipped"}}
### {{title $r.Test}}

{{$r.Notes}}
{{end}}{{end}}
## Summary
- **Max connections:** {{.Summary.MaxConnections}}
- **Total messages:** {{.Summary.TotalMessages}}
- **Peak message rate:** {{printf "%.1f" .Summary.PeakMessageRate}} msg/s
{{- if .Summary.Recovered}}
- **Recovery after kill:** {{secs .Summary.RecoveryTime}}
{{- end}}
{{- with .Summary.Resources}}{{if .Count}}
- **System CPU:** {{printf "%.1f" .SystemCPU.Avg}}% avg, {{printf "%.1f" .SystemCPU.Max}}% max over {{.Count}} samples
- **Target memory:** {{printf "%.1f" .TargetMemoryMB.Max}} MB max
- **Peak open files:** {{.PeakOpenFiles}}
{{- end}}{{end}}

## Data Files
- Full results: ` + "`results_{{.ID}}.json`" + `
- CSV summary: ` + "`summary_{{.ID}}.csv`" + `
- Performance timeline: ` + "`performance_data_{{.ID}}.json`" + `
`))

// ExportMarkdown writes a human-readable report of the session.
func ExportMarkdown(filename string, s *session.Session) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := markdownTmpl.Execute(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
