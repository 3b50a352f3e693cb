package policy

import (
	"errors"
	"testing"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestAssertWritableReportsTopmostArchivedScope(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		want  string // "" means writable
	}{
		{name: "all active", scope: Scope{BoardArchived: boolPtr(false), ListArchived: boolPtr(false), TaskArchived: boolPtr(false)}},
		{name: "project only known and active", scope: Scope{}},
		{
			name:  "archived project wins over everything",
			scope: Scope{ProjectArchived: true, BoardArchived: boolPtr(true), ListArchived: boolPtr(true), TaskArchived: boolPtr(true)},
			want:  "project",
		},
		{
			name:  "archived board under active project",
			scope: Scope{BoardArchived: boolPtr(true), ListArchived: boolPtr(true)},
			want:  "board",
		},
		{
			name:  "archived list with active ancestors",
			scope: Scope{BoardArchived: boolPtr(false), ListArchived: boolPtr(true)},
			want:  "list",
		},
		{
			name:  "archived task leaf",
			scope: Scope{BoardArchived: boolPtr(false), ListArchived: boolPtr(false), TaskArchived: boolPtr(true)},
			want:  "task",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := AssertWritable(tc.scope)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("expected writable, got %v", err)
				}
				return
			}
			var archived *ArchivedError
			if !errors.As(err, &archived) {
				t.Fatalf("expected ArchivedError, got %v", err)
			}
			if archived.Scope != tc.want {
				t.Fatalf("expected scope %q, got %q", tc.want, archived.Scope)
			}
		})
	}
}

func TestAllDocumentedTransitionsSucceed(t *testing.T) {
	edges := []struct{ from, to Status }{
		{StatusOpen, StatusInProgress},
		{StatusOpen, StatusBlocked},
		{StatusOpen, StatusDone},
		{StatusOpen, StatusArchived},
		{StatusInProgress, StatusBlocked},
		{StatusInProgress, StatusDone},
		{StatusInProgress, StatusArchived},
		{StatusBlocked, StatusInProgress},
		{StatusBlocked, StatusDone},
		{StatusBlocked, StatusArchived},
		{StatusDone, StatusArchived},
	}
	if len(edges) != 11 {
		t.Fatalf("expected 11 edges, have %d", len(edges))
	}
	for _, edge := range edges {
		if err := AssertTransition(edge.from, edge.to); err != nil {
			t.Fatalf("transition %s -> %s should be allowed: %v", edge.from, edge.to, err)
		}
	}
}

func TestSameStateTransitionsAreNoOps(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusInProgress, StatusBlocked, StatusDone, StatusArchived} {
		if err := AssertTransition(s, s); err != nil {
			t.Fatalf("transition %s -> %s should be allowed: %v", s, s, err)
		}
	}
}

func TestIllegalTransitionsCarryFromAndTo(t *testing.T) {
	tests := []struct{ from, to Status }{
		{StatusDone, StatusOpen},
		{StatusDone, StatusInProgress},
		{StatusDone, StatusBlocked},
		{StatusArchived, StatusOpen},
		{StatusArchived, StatusInProgress},
		{StatusArchived, StatusBlocked},
		{StatusArchived, StatusDone},
	}
	for _, tc := range tests {
		err := AssertTransition(tc.from, tc.to)
		var invalid *TransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected TransitionError for %s -> %s, got %v", tc.from, tc.to, err)
		}
		if invalid.From != tc.from || invalid.To != tc.to {
			t.Fatalf("error details mismatch: got {%s %s}, want {%s %s}", invalid.From, invalid.To, tc.from, tc.to)
		}
	}
}

func TestAssertAllowsAdd(t *testing.T) {
	if err := AssertAllowsAdd(false, nil, 100, nil); err != nil {
		t.Fatalf("unlimited list must always admit: %v", err)
	}
	if err := AssertAllowsAdd(true, nil, 100, nil); err != nil {
		t.Fatalf("limited list with no numeric limit must admit: %v", err)
	}
	if err := AssertAllowsAdd(true, intPtr(5), 4, nil); err != nil {
		t.Fatalf("count below limit must admit: %v", err)
	}

	err := AssertAllowsAdd(true, intPtr(5), 5, nil)
	var wip *WIPLimitError
	if !errors.As(err, &wip) {
		t.Fatalf("expected WIPLimitError at limit, got %v", err)
	}
	if wip.Limit != 5 || wip.Active != 5 {
		t.Fatalf("error details mismatch: got {%d %d}", wip.Limit, wip.Active)
	}

	if err := AssertAllowsAdd(true, intPtr(5), 5, &WIPOverride{Enabled: true, Reason: "expedite"}); err != nil {
		t.Fatalf("enabled override must admit at the limit: %v", err)
	}
	if err := AssertAllowsAdd(true, intPtr(5), 5, &WIPOverride{Enabled: false}); !errors.As(err, &wip) {
		t.Fatalf("disabled override must not admit, got %v", err)
	}
}
