package core

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/JonMunkholm/stagedimport/internal/constraint"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusStaged, StatusValidated, StatusCommitted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusStaged, StatusValidated}:    true,
		{StatusValidated, StatusCommitted}: true,
		{StatusValidated, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if !StatusCommitted.Terminal() || !StatusFailed.Terminal() || StatusValidated.Terminal() {
		t.Error("Terminal() is wrong")
	}
}

func TestOutcomeApply(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s := &ImportSession{Status: StatusValidated}
	Outcome{CommittedRows: 4, At: at}.Apply(s, StatusCommitted)
	if s.Status != StatusCommitted || s.CommittedRows != 4 || s.CommittedAt == nil || !s.CommittedAt.Equal(at) {
		t.Errorf("committed outcome not applied: %+v", s)
	}
	if s.FailedAt != nil {
		t.Error("FailedAt set on commit")
	}

	f := &ImportSession{Status: StatusValidated}
	Outcome{At: at, FailureCode: CodePersistenceFailure}.Apply(f, StatusFailed)
	if f.Status != StatusFailed || f.FailureCode != CodePersistenceFailure || f.FailedAt == nil {
		t.Errorf("failed outcome not applied: %+v", f)
	}
}

func TestWithoutErrored(t *testing.T) {
	valid := []Row{{Number: 1}, {Number: 2}, {Number: 3}}
	got := withoutErrored(valid, []RowError{{RowNumber: 2, Message: "bad"}})
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 3 {
		t.Errorf("withoutErrored() = %+v", got)
	}
	if got := withoutErrored(valid, nil); len(got) != 3 {
		t.Errorf("withoutErrored(nil) dropped rows: %+v", got)
	}
}

func TestCountErrorRows(t *testing.T) {
	errs := []RowError{
		{RowNumber: 2, Field: "email"},
		{RowNumber: 2, Field: "name"},
		{RowNumber: 5},
		{RowNumber: 0, Message: "file level"},
	}
	if got := countErrorRows(errs); got != 2 {
		t.Errorf("countErrorRows() = %d, want 2", got)
	}
}

func TestConflictRows(t *testing.T) {
	rows := []Row{
		{Number: 1, Data: map[string]string{"Email": "a@x.com", "tenant": "1"}},
		{Number: 2, Data: map[string]string{"Email": " b@x.com ", "tenant": "1"}},
		{Number: 3, Data: map[string]string{"Email": "b@x.com", "tenant": "2"}},
		{Number: 4, Data: map[string]string{"tenant": "1"}},
	}

	tests := []struct {
		name     string
		detail   *constraint.Detail
		fieldFor func(string) string
		limit    int
		want     []int
	}{
		{
			name:   "single column matches case-insensitively and trimmed",
			detail: &constraint.Detail{Columns: []string{"email"}, Values: []string{"b@x.com"}},
			limit:  50,
			want:   []int{2, 3},
		},
		{
			name:   "every column must match",
			detail: &constraint.Detail{Columns: []string{"email", "tenant"}, Values: []string{"b@x.com", "2"}},
			limit:  50,
			want:   []int{3},
		},
		{
			name:     "column mapped to field",
			detail:   &constraint.Detail{Columns: []string{"email_address"}, Values: []string{"a@x.com"}},
			fieldFor: func(c string) string { return map[string]string{"email_address": "Email"}[c] },
			limit:    50,
			want:     []int{1},
		},
		{
			name:   "limit caps results",
			detail: &constraint.Detail{Columns: []string{"tenant"}, Values: []string{"1"}},
			limit:  2,
			want:   []int{1, 2},
		},
		{
			name:   "no values means no rows",
			detail: &constraint.Detail{Columns: []string{"email"}},
			limit:  50,
			want:   []int{},
		},
		{
			name:  "nil detail",
			limit: 50,
			want:  []int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := conflictRows(rows, tt.detail, tt.fieldFor, tt.limit)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("conflictRows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientFromContext(t *testing.T) {
	ctx := ContextWithClient(context.Background(), "10.0.0.7", "curl/8.0")
	ip, ua := ClientFromContext(ctx)
	if ip != "10.0.0.7" || ua != "curl/8.0" {
		t.Errorf("ClientFromContext() = %q, %q", ip, ua)
	}
	if got := len(clientAttrs(ctx)); got != 2 {
		t.Errorf("clientAttrs() has %d attrs, want 2", got)
	}

	ip, ua = ClientFromContext(context.Background())
	if ip != "" || ua != "" || clientAttrs(context.Background()) != nil {
		t.Errorf("empty context reported a client: %q %q", ip, ua)
	}
}
