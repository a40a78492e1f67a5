package main

import (
	"strings"
	"testing"

	"github.com/delano/familia-sub006/index"
)

func TestProgressPrinter(t *testing.T) {
	var b strings.Builder
	printer := progressPrinter(&b)
	printer(index.Progress{Index: "employee.email", Phase: index.PhaseIndex, Batch: 3, Completed: 2500, Total: 10000, Indexed: 2400, Rate: 1234.5})
	got := b.String()
	for _, want := range []string{"employee.email", "batch 3", "2,500/10,000 (25.0%)", "indexed 2,400", "1,234.5/s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
}
