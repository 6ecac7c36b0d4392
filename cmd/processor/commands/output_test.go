package commands

import (
	"testing"

	"github.com/openfroyo/processor/pkg/engine"
)

func TestParseVar(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"true", true},
		{"FALSE", false},
		{"ledger", "ledger"},
		{"1.5", "1.5"},
	}

	for _, tt := range tests {
		if got := parseVar(tt.in); got != tt.want {
			t.Errorf("parseVar(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := parsePriority("HIGH"); err != nil || p != engine.PriorityHigh {
		t.Errorf("parsePriority(HIGH) = %q, %v", p, err)
	}
	if _, err := parsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestBatchRows_Positions(t *testing.T) {
	batches := []engine.Batch{{ExecutionID: 7}, {ExecutionID: 8}, {ExecutionID: 9}}

	tests := []struct {
		name       string
		descending bool
		want       []string
	}{
		{"ascending", false, []string{"10", "11", "12"}},
		{"descending", true, []string{"12", "11", "10"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := batchRows(batches, 10, tt.descending)
			for i, row := range rows {
				if row[0] != tt.want[i] {
					t.Errorf("row %d position = %s, want %s", i, row[0], tt.want[i])
				}
			}
		})
	}
}

func TestTargetList(t *testing.T) {
	fns := []engine.Function{
		{Target: engine.TargetRef{Address: "ledger"}},
		{Target: engine.TargetRef{Domain: "settlement", Address: "vault"}},
	}
	if got := targetList(fns); got != "ledger, settlement/vault" {
		t.Errorf("targetList() = %q", got)
	}
}

func TestExpirationString(t *testing.T) {
	got := expirationString(engine.Expiration{Kind: engine.IntervalHeight, Height: 15})
	if got != "height 15" {
		t.Errorf("expirationString() = %q", got)
	}
}
