package lifecycle

import (
	"sort"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
)

type Resource string

const (
	Batch      Resource = "batch"
	Evaluation Resource = "evaluation"
	Report     Resource = "report"
	Payment    Resource = "payment"
)

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type table struct {
	edges    map[string]map[string]struct{}
	terminal map[string]struct{}
}

func newTable(terminal []string, edges ...Edge) table {
	t := table{edges: map[string]map[string]struct{}{}, terminal: map[string]struct{}{}}
	for _, s := range terminal {
		t.terminal[s] = struct{}{}
	}
	for _, e := range edges {
		if t.edges[e.From] == nil {
			t.edges[e.From] = map[string]struct{}{}
		}
		t.edges[e.From][e.To] = struct{}{}
	}
	return t
}

var tables = map[Resource]table{
	Batch: newTable(
		[]string{domain.BatchFinalized, domain.BatchCancelled},
		Edge{domain.BatchDraft, domain.BatchActive},
		Edge{domain.BatchActive, domain.BatchConcluded},
		Edge{domain.BatchConcluded, domain.BatchEmissionRequested},
		Edge{domain.BatchEmissionRequested, domain.BatchReportIssued},
		Edge{domain.BatchReportIssued, domain.BatchFinalized},
		Edge{domain.BatchDraft, domain.BatchCancelled},
		Edge{domain.BatchActive, domain.BatchCancelled},
		Edge{domain.BatchConcluded, domain.BatchCancelled},
		Edge{domain.BatchEmissionRequested, domain.BatchCancelled},
		Edge{domain.BatchReportIssued, domain.BatchCancelled},
	),
	Evaluation: newTable(
		[]string{domain.EvaluationCompleted, domain.EvaluationDeactivated},
		Edge{domain.EvaluationStarted, domain.EvaluationInProgress},
		Edge{domain.EvaluationStarted, domain.EvaluationCompleted},
		Edge{domain.EvaluationStarted, domain.EvaluationDeactivated},
		Edge{domain.EvaluationInProgress, domain.EvaluationCompleted},
		Edge{domain.EvaluationInProgress, domain.EvaluationDeactivated},
	),
	Report: newTable(
		[]string{domain.ReportIssued},
		Edge{domain.ReportDraft, domain.ReportIssued},
	),
	Payment: newTable(
		[]string{domain.PaymentPaid},
		Edge{domain.PaymentPending, domain.PaymentPaid},
	),
}

// Transition validates from -> to for the resource and returns the new status.
// It has no side effects.
func Transition(resource Resource, from, to string) (string, error) {
	t, ok := tables[resource]
	if !ok {
		return from, apperrors.InvalidTransition(string(resource), from, to)
	}
	if _, done := t.terminal[from]; done {
		return from, apperrors.InvalidTransition(string(resource), from, to)
	}
	if _, ok := t.edges[from][to]; !ok {
		return from, apperrors.InvalidTransition(string(resource), from, to)
	}
	return to, nil
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(resource Resource, status string) bool {
	_, ok := tables[resource].terminal[status]
	return ok
}

// Edges lists the declared edges for resource in a stable order.
func Edges(resource Resource) []Edge {
	t := tables[resource]
	var res []Edge
	for from, tos := range t.edges {
		for to := range tos {
			res = append(res, Edge{From: from, To: to})
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].From != res[j].From {
			return res[i].From < res[j].From
		}
		return res[i].To < res[j].To
	})
	return res
}

// Statuses lists every status known for resource, sorted.
func Statuses(resource Resource) []string {
	seen := map[string]struct{}{}
	t := tables[resource]
	for from, tos := range t.edges {
		seen[from] = struct{}{}
		for to := range tos {
			seen[to] = struct{}{}
		}
	}
	for s := range t.terminal {
		seen[s] = struct{}{}
	}
	res := make([]string, 0, len(seen))
	for s := range seen {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}

// Counts summarizes the evaluations of one batch.
type Counts struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	Deactivated int `json:"deactivated"`
}

// Derive computes the aggregate batch status implied by its evaluations.
func Derive(c Counts) string {
	switch {
	case c.Total > 0 && c.Deactivated == c.Total:
		return domain.BatchCancelled
	case c.Completed > 0 && c.Completed+c.Deactivated == c.Total:
		return domain.BatchConcluded
	default:
		return domain.BatchActive
	}
}

// Recalculable reports whether a batch in status still follows its evaluations.
func Recalculable(status string) bool {
	return status == domain.BatchActive
}
