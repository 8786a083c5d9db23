package interval

import (
	"fmt"
	"io"
	"sort"

	"github.com/getsentry/ktrace/internal/quantile"
	"github.com/getsentry/ktrace/internal/trace"
)

// Summary holds execution time statistics of one block tracepoint, in
// nanoseconds.
type Summary struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Min   uint64 `json:"min"`
	P50   uint64 `json:"p50"`
	P90   uint64 `json:"p90"`
	P99   uint64 `json:"p99"`
	P999  uint64 `json:"p999"`
	Max   uint64 `json:"max"`
	Total uint64 `json:"total"`
}

// Summarize computes statistics per group, sorted by name. Begins without a
// duration are left out.
func Summarize(groups map[string][]trace.TimedTrace) []Summary {
	summaries := make([]Summary, 0, len(groups))
	for name, timed := range groups {
		var q quantile.Quantile
		for _, t := range timed {
			if t.Duration != nil {
				q.Add(*t.Duration)
			}
		}
		if q.Len() == 0 {
			continue
		}
		q.Sort()
		min, max := q.Bounds()
		summaries = append(summaries, Summary{
			Name:  name,
			Count: q.Len(),
			Min:   min,
			P50:   q.Percentile(0.5),
			P90:   q.Percentile(0.9),
			P99:   q.Percentile(0.99),
			P999:  q.Percentile(0.999),
			Max:   max,
			Total: q.Sum(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

const summaryRow = "%-20s %8s %8s %8s %8s %8s %8s %8s %8s\n"

// WriteSummary prints summaries as a table of milliseconds.
func WriteSummary(w io.Writer, summaries []Summary) error {
	if _, err := io.WriteString(w, "Execution times [ms]:\n"); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, summaryRow, "name", "count", "min", "50%", "90%", "99%", "99.9%", "max", "total")
	if err != nil {
		return err
	}
	for _, s := range summaries {
		_, err := fmt.Fprintf(
			w,
			summaryRow,
			s.Name,
			fmt.Sprint(s.Count),
			trace.FormatDuration(s.Min),
			trace.FormatDuration(s.P50),
			trace.FormatDuration(s.P90),
			trace.FormatDuration(s.P99),
			trace.FormatDuration(s.P999),
			trace.FormatDuration(s.Max),
			trace.FormatDuration(s.Total),
		)
		if err != nil {
			return err
		}
	}
	return nil
}
