// Package report collects scenario outcomes for one run and renders them as
// Markdown and sanitized HTML.
package report

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// Status is a scenario outcome.
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// Result is one scenario's outcome.
type Result struct {
	Name       string
	App        string
	Status     Status
	Duration   time.Duration
	Message    string // failure or skip reason
	Screenshot string // artifact location, if one was captured
}

// Report accumulates results. Safe for concurrent use.
type Report struct {
	RunID   string
	Started time.Time

	mu      sync.Mutex
	results []Result
}

// New starts a report for runID.
func New(runID string, started time.Time) *Report {
	return &Report{RunID: runID, Started: started}
}

// Add records a result.
func (r *Report) Add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns a copy of the recorded results in insertion order.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Counts returns how many results have each status.
func (r *Report) Counts() map[Status]int {
	counts := map[Status]int{Passed: 0, Failed: 0, Skipped: 0}
	for _, res := range r.Results() {
		counts[res.Status]++
	}
	return counts
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() []byte {
	results := r.Results()
	counts := r.Counts()

	var b bytes.Buffer
	fmt.Fprintf(&b, "# Settings E2E run %s\n\n", r.RunID)
	fmt.Fprintf(&b, "Started %s. **%d passed**, **%d failed**, %d skipped.\n\n",
		r.Started.UTC().Format(time.RFC3339), counts[Passed], counts[Failed], counts[Skipped])
	if len(results) == 0 {
		b.WriteString("No scenarios ran.\n")
		return b.Bytes()
	}

	b.WriteString("| Scenario | App | Status | Duration | Details |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, res := range results {
		details := res.Message
		if res.Screenshot != "" {
			details = strings.TrimSpace(details + " (screenshot: `" + res.Screenshot + "`)")
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			cell(res.Name), cell(res.App), statusLabel(res.Status),
			res.Duration.Round(time.Millisecond), cell(details))
	}
	return b.Bytes()
}

// HTML renders the report as a standalone, sanitized HTML page.
func (r *Report) HTML() []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock)
	doc := p.Parse(r.Markdown())
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags})
	body := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>Settings E2E run %s</title>\n", html.EscapeString(r.RunID))
	b.WriteString("</head>\n<body>\n")
	b.Write(body)
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}

func statusLabel(s Status) string {
	switch s {
	case Failed:
		return "**FAILED**"
	case Skipped:
		return "skipped"
	default:
		return "passed"
	}
}

// cell flattens text into a single table cell.
func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
