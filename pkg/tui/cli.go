// Package tui renders ekg run output for a terminal.
// Plain streaming output: headers, step tables and batch progress.
package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/logflow/ekg/pkg/ekg"
	"github.com/logflow/ekg/pkg/ocel"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

const rule = "  ─────────────────────────────────────"

// Printer writes styled output to w.
type Printer struct {
	w io.Writer
}

// New creates a printer.
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Header prints the tool banner with a one-line subtitle.
func (p *Printer) Header(version, subtitle string) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, titleStyle.Render("  EKG")+mutedStyle.Render(" "+version))
	if subtitle != "" {
		fmt.Fprintln(p.w, mutedStyle.Render("  "+subtitle))
	}
	fmt.Fprintln(p.w)
}

// Section prints a section marker.
func (p *Printer) Section(title string) {
	fmt.Fprintln(p.w, accentStyle.Render("▸ "+strings.ToUpper(title)))
}

// table renders rows as left-aligned columns; the first row is the header.
func table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, c := range row {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var lines []string
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			style := cellStyle.Width(widths[i] + 2)
			if r == 0 {
				style = style.Foreground(muted)
			}
			cells[i] = style.Render(c)
		}
		lines = append(lines, "  "+lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return strings.Join(lines, "\n")
}

// Reports prints one line per step.
func (p *Printer) Reports(reports []ekg.StepReport) {
	rows := [][]string{{"STEP", "CREATED", "UPDATED", "DELETED", "SKIPPED", "TIME"}}
	for _, r := range reports {
		rows = append(rows, []string{
			r.Step,
			formatNumber(int64(r.Created)),
			formatNumber(int64(r.Updated)),
			formatNumber(int64(r.Deleted)),
			formatNumber(int64(r.Skipped)),
			formatDuration(r.Duration),
		})
	}
	fmt.Fprintln(p.w, table(rows))
	for _, r := range reports {
		if len(r.Details) == 0 {
			continue
		}
		keys := make([]string, 0, len(r.Details))
		for k := range r.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, r.Details[k])
		}
		fmt.Fprintf(p.w, "  %s %s\n", mutedStyle.Render(r.Step+":"), strings.Join(parts, " "))
	}
}

// Result prints the reports of a pipeline run and its outcome.
func (p *Printer) Result(res *ekg.Result) {
	if res == nil {
		return
	}
	if len(res.Resumed) > 0 {
		fmt.Fprintf(p.w, "  %s %s\n", mutedStyle.Render("Resumed:"), strings.Join(res.Resumed, ", "))
	}
	p.Reports(res.Reports)
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, successStyle.Render("  ✓ GRAPH READY"))
	if res.RunID != "" {
		fmt.Fprintf(p.w, "  %s %s\n", mutedStyle.Render("Run:"), titleStyle.Render(res.RunID))
	}
	fmt.Fprintf(p.w, "  %s %s\n", mutedStyle.Render("Time:"), titleStyle.Render(formatDuration(res.Duration)))
	fmt.Fprintln(p.w)
}

// Summary prints node and edge counts of a graph.
func (p *Printer) Summary(store string, s ekg.Summary) {
	fmt.Fprintf(p.w, "  %s %s\n", mutedStyle.Render("Store:"), titleStyle.Render(store))
	fmt.Fprintln(p.w, mutedStyle.Render(rule))
	rows := [][]string{{"LABEL", "NODES", "PROPERTIES"}}
	for _, l := range s.Labels {
		rows = append(rows, []string{l.Label, formatNumber(l.Count), strings.Join(l.Keys, ", ")})
	}
	fmt.Fprintln(p.w, table(rows))
	fmt.Fprintln(p.w)
	rows = [][]string{{"RELATIONSHIP", "EDGES"}}
	for _, e := range s.Edges {
		rows = append(rows, []string{e.Type, formatNumber(e.Count)})
	}
	fmt.Fprintln(p.w, table(rows))
	fmt.Fprintln(p.w)
}

// Normalized prints table sizes and where the tables were written.
func (p *Printer) Normalized(stats map[string]int, a ocel.Artifacts) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := [][]string{{"TABLE", "ROWS"}}
	for _, k := range keys {
		rows = append(rows, []string{k, formatNumber(int64(stats[k]))})
	}
	fmt.Fprintln(p.w, table(rows))
	fmt.Fprintln(p.w, mutedStyle.Render(rule))
	for _, path := range []string{a.Objects, a.ObjectAttributes, a.Events, a.Relations} {
		if path != "" {
			fmt.Fprintf(p.w, "  %s %s\n", mutedStyle.Render("→"), path)
		}
	}
	fmt.Fprintln(p.w)
}

// Failure prints err prominently.
func (p *Printer) Failure(err error) {
	fmt.Fprintln(p.w, accentStyle.Render("  ✗ "+err.Error()))
	if ekgerrors.IsRetryable(err) {
		fmt.Fprintln(p.w, mutedStyle.Render("  The store may recover; rerun with --resume latest to continue."))
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
