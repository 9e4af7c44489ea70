package lifecycle_test

import (
	"errors"
	"testing"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/lifecycle"
)

func TestDeclaredEdgesSucceed(t *testing.T) {
	for _, res := range []lifecycle.Resource{lifecycle.Batch, lifecycle.Evaluation, lifecycle.Report, lifecycle.Payment} {
		for _, e := range lifecycle.Edges(res) {
			got, err := lifecycle.Transition(res, e.From, e.To)
			if err != nil {
				t.Fatalf("%s %s->%s: %v", res, e.From, e.To, err)
			}
			if got != e.To {
				t.Fatalf("%s %s->%s returned %s", res, e.From, e.To, got)
			}
		}
	}
}

func TestUndeclaredEdgesRejected(t *testing.T) {
	for _, res := range []lifecycle.Resource{lifecycle.Batch, lifecycle.Evaluation, lifecycle.Report, lifecycle.Payment} {
		declared := map[lifecycle.Edge]bool{}
		for _, e := range lifecycle.Edges(res) {
			declared[e] = true
		}
		statuses := lifecycle.Statuses(res)
		for _, from := range statuses {
			for _, to := range statuses {
				if declared[lifecycle.Edge{From: from, To: to}] {
					continue
				}
				got, err := lifecycle.Transition(res, from, to)
				if !errors.Is(err, apperrors.ErrInvalidTransition) {
					t.Fatalf("%s %s->%s: expected invalid transition, got %v", res, from, to, err)
				}
				if got != from {
					t.Fatalf("%s %s->%s: rejected transition changed status to %s", res, from, to, got)
				}
			}
		}
	}
}

func TestTerminalBatchStatesRejectEverything(t *testing.T) {
	for _, from := range []string{domain.BatchFinalized, domain.BatchCancelled} {
		if !lifecycle.IsTerminal(lifecycle.Batch, from) {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range lifecycle.Statuses(lifecycle.Batch) {
			if _, err := lifecycle.Transition(lifecycle.Batch, from, to); err == nil {
				t.Fatalf("terminal %s accepted transition to %s", from, to)
			}
		}
	}
}

func TestCancelReachableFromEveryNonTerminalBatchState(t *testing.T) {
	for _, from := range lifecycle.Statuses(lifecycle.Batch) {
		if lifecycle.IsTerminal(lifecycle.Batch, from) {
			continue
		}
		if _, err := lifecycle.Transition(lifecycle.Batch, from, domain.BatchCancelled); err != nil {
			t.Fatalf("cancel from %s: %v", from, err)
		}
	}
}

func TestUnknownResource(t *testing.T) {
	if _, err := lifecycle.Transition("widget", "a", "b"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name string
		in   lifecycle.Counts
		want string
	}{
		{"empty", lifecycle.Counts{}, domain.BatchActive},
		{"some open", lifecycle.Counts{Total: 3, Completed: 1}, domain.BatchActive},
		{"two completed one deactivated", lifecycle.Counts{Total: 3, Completed: 2, Deactivated: 1}, domain.BatchConcluded},
		{"all completed", lifecycle.Counts{Total: 2, Completed: 2}, domain.BatchConcluded},
		{"all deactivated", lifecycle.Counts{Total: 2, Deactivated: 2}, domain.BatchCancelled},
		{"deactivated and open", lifecycle.Counts{Total: 2, Deactivated: 1}, domain.BatchActive},
	}
	for _, tc := range cases {
		if got := lifecycle.Derive(tc.in); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
