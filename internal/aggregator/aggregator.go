// Package aggregator consumes the Scheduler's per-attempt
// ExecutionResults and produces a scenario×browser matrix plus
// flaky/cross-browser-inconsistency detection and timing statistics.
package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rik9564/browsecraft/internal/model"
)

// CellStatus is the status of one (item, browser) cell in the matrix.
// NotRun marks a pair no strategy run ever touched.
type CellStatus string

const (
	CellPassed CellStatus = "passed"
	CellFailed CellStatus = "failed"
	CellSkipped CellStatus = "skipped"
	CellNotRun CellStatus = "not-run"
)

// Cell is one browser's final outcome for one work item.
type Cell struct {
	Status CellStatus
	DurationMs int64
	Retries int
	Err error
}

// MatrixRow is one work item's results across every browser touched by
// the run.
type MatrixRow struct {
	ID string
	Title string
	SuitePath string
	Browsers map[string]Cell
	Flaky bool
	CrossBrowserInconsistent bool
}

// BrowserSummary aggregates one browser's pass/fail/skip counts and total
// duration across every item it ran.
type BrowserSummary struct {
	Browser string
	Passed int
	Failed int
	Skipped int
	Duration time.Duration
}

// Timing holds the standard distribution stats computed over every
// non-skipped attempt's duration.
type Timing struct {
	Min time.Duration
	Max time.Duration
	Avg time.Duration
	Median time.Duration
	P95 time.Duration
	Total time.Duration
}

// Totals aggregates scenario-level counts across the whole matrix.
type Totals struct {
	Scenarios int
	Passed int
	Failed int
	Skipped int
	Flaky int
	CrossBrowserInconsistent int
}

// Summary is the aggregator's full output.
type Summary struct {
	Totals Totals
	Matrix []MatrixRow
	BrowserSummaries []BrowserSummary
	Timing Timing
	SlowestTests []MatrixRow
	FailedTests []MatrixRow
	FlakyTests []MatrixRow
	InconsistentTests []MatrixRow
	Strategy string
	Browsers []string
	TotalDuration time.Duration
}

// itemState groups one work item's per-attempt results by browser.
type itemState struct {
	title string
	suitePath string
	attempts map[string][]model.ExecutionResult // browser -> ordered attempts
	order []string
}

// Aggregate builds a Summary from every ExecutionResult a Scheduler run
// produced. browsers is the full set of browsers the run was configured
// for (including any that never touched a given item, so that item's
// cell is recorded NotRun rather than simply absent).
func Aggregate(results []model.ExecutionResult, strategy string, browsers []string, totalDuration time.Duration) Summary {
	items := map[string]*itemState{}
	var itemOrder []string

	for _, r := range results {
		st, ok := items[r.WorkItem.ID]
		if !ok {
			st = &itemState{title: r.WorkItem.Title, suitePath: r.WorkItem.SuitePath, attempts: map[string][]model.ExecutionResult{}}
			items[r.WorkItem.ID] = st
			itemOrder = append(itemOrder, r.WorkItem.ID)
		}
		if _, seen := st.attempts[r.Browser]; !seen {
			st.order = append(st.order, r.Browser)
		}
		st.attempts[r.Browser] = append(st.attempts[r.Browser], r)
	}

	var matrix []MatrixRow
	var totals Totals
	browserAgg := map[string]*BrowserSummary{}
	for _, b := range browsers {
		browserAgg[b] = &BrowserSummary{Browser: b}
	}

	var durations []time.Duration
	var totalAttemptDuration time.Duration

	for _, id := range itemOrder {
		st := items[id]
		row := MatrixRow{ID: id, Title: st.title, SuitePath: st.suitePath, Browsers: map[string]Cell{}}
		var finalStatuses []CellStatus

		for _, browser := range browsers {
			attempts, ran := st.attempts[browser]
			if !ran {
				row.Browsers[browser] = Cell{Status: CellNotRun}
				continue
			}
			last := attempts[len(attempts)-1]
			cell := Cell{DurationMs: last.DurationMs, Retries: last.Retries, Err: last.Err}
			switch last.Status {
			case model.StatusPassed:
				cell.Status = CellPassed
			case model.StatusSkipped:
				cell.Status = CellSkipped
			default:
				cell.Status = CellFailed
			}
			row.Browsers[browser] = cell
			finalStatuses = append(finalStatuses, cell.Status)

			agg := browserAgg[browser]
			if agg == nil {
				agg = &BrowserSummary{Browser: browser}
				browserAgg[browser] = agg
			}
			switch cell.Status {
			case CellPassed:
				agg.Passed++
			case CellFailed:
				agg.Failed++
			case CellSkipped:
				agg.Skipped++
			}

			for _, a := range attempts {
				if a.Status == model.StatusSkipped {
					continue
				}
				d := a.Duration()
				durations = append(durations, d)
				totalAttemptDuration += d
				agg.Duration += d
			}

			if cell.Status == CellPassed && last.Retries > 0 {
				row.Flaky = true
			}
		}

		row.CrossBrowserInconsistent = distinctNonNotRun(finalStatuses) > 1
		matrix = append(matrix, row)

		totals.Scenarios++
		switch overallStatus(row) {
		case CellPassed:
			totals.Passed++
		case CellFailed:
			totals.Failed++
		case CellSkipped:
			totals.Skipped++
		}
		if row.Flaky {
			totals.Flaky++
		}
		if row.CrossBrowserInconsistent {
			totals.CrossBrowserInconsistent++
		}
	}

	var browserSummaries []BrowserSummary
	for _, b := range browsers {
		browserSummaries = append(browserSummaries, *browserAgg[b])
	}

	sum := Summary{
		Totals: totals,
		Matrix: matrix,
		BrowserSummaries: browserSummaries,
		Timing: computeTiming(durations, totalAttemptDuration),
		Strategy: strategy,
		Browsers: browsers,
		TotalDuration: totalDuration,
	}
	sum.SlowestTests = topSlowest(matrix, 5)
	sum.FailedTests = filterRows(matrix, func(r MatrixRow) bool { return overallStatus(r) == CellFailed })
	sum.FlakyTests = filterRows(matrix, func(r MatrixRow) bool { return r.Flaky })
	sum.InconsistentTests = filterRows(matrix, func(r MatrixRow) bool { return r.CrossBrowserInconsistent })
	return sum
}

// overallStatus picks one representative status for an item across
// browsers: Failed beats Passed beats Skipped.
func overallStatus(row MatrixRow) CellStatus {
	sawPassed, sawSkipped := false, false
	for _, cell := range row.Browsers {
		switch cell.Status {
		case CellFailed:
			return CellFailed
		case CellPassed:
			sawPassed = true
		case CellSkipped:
			sawSkipped = true
		}
	}
	if sawPassed {
		return CellPassed
	}
	if sawSkipped {
		return CellSkipped
	}
	return CellNotRun
}

func distinctNonNotRun(statuses []CellStatus) int {
	seen := map[CellStatus]bool{}
	for _, s := range statuses {
		if s != CellNotRun {
			seen[s] = true
		}
	}
	return len(seen)
}

func computeTiming(durations []time.Duration, total time.Duration) Timing {
	if len(durations) == 0 {
		return Timing{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Timing{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / time.Duration(len(sorted)),
		Median: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		Total: total,
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topSlowest(matrix []MatrixRow, n int) []MatrixRow {
	rows := append([]MatrixRow(nil), matrix...)
	sort.Slice(rows, func(i, j int) bool { return maxDuration(rows[i]) > maxDuration(rows[j]) })
	if n > len(rows) {
		n = len(rows)
	}
	return rows[:n]
}

func maxDuration(row MatrixRow) int64 {
	var max int64
	for _, c := range row.Browsers {
		if c.DurationMs > max {
			max = c.DurationMs
		}
	}
	return max
}

func filterRows(matrix []MatrixRow, pred func(MatrixRow) bool) []MatrixRow {
	var out []MatrixRow
	for _, r := range matrix {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// FormatSummary renders a one-line-per-section headline report.
func FormatSummary(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s | Browsers: %s\n", s.Strategy, strings.Join(s.Browsers, ", "))
	fmt.Fprintf(&b, "Scenarios: %d passed, %d failed, %d skipped (%d flaky, %d cross-browser inconsistent)\n",
		s.Totals.Passed, s.Totals.Failed, s.Totals.Skipped, s.Totals.Flaky, s.Totals.CrossBrowserInconsistent)
	fmt.Fprintf(&b, "Timing: min=%s max=%s avg=%s median=%s p95=%s total=%s\n",
		s.Timing.Min, s.Timing.Max, s.Timing.Avg, s.Timing.Median, s.Timing.P95, s.TotalDuration)
	for _, bs := range s.BrowserSummaries {
		fmt.Fprintf(&b, " %-10s passed=%d failed=%d skipped=%d duration=%s\n", bs.Browser, bs.Passed, bs.Failed, bs.Skipped, bs.Duration)
	}
	return b.String()
}

const maxTitleWidth = 40

// FormatMatrix renders the scenario×browser grid as a plain-text table.
// Long titles are truncated with a visible ellipsis.
func FormatMatrix(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s", maxTitleWidth, "Scenario")
	for _, browser := range s.Browsers {
		fmt.Fprintf(&b, " | %-10s", browser)
	}
	b.WriteString("\n")

	for _, row := range s.Matrix {
		fmt.Fprintf(&b, "%-*s", maxTitleWidth, truncateTitle(row.Title, maxTitleWidth))
		for _, browser := range s.Browsers {
			cell := row.Browsers[browser]
			marker := string(cell.Status)
			if row.Flaky {
				marker += "*"
			}
			if row.CrossBrowserInconsistent {
				marker += "!"
			}
			fmt.Fprintf(&b, " | %-10s", marker)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncateTitle(title string, width int) string {
	runes := []rune(title)
	if len(runes) <= width {
		return title
	}
	if width <= 1 {
		return "…"
	}
	return string(runes[:width-1]) + "…"
}
