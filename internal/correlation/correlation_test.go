package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  run-42  "); !ok || got != "run-42" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", "   ", strings.Repeat("a", MaxIDLength+1), "bad\x01id", "ünïcode"} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected no id on a bare context")
	}
	if got := With(ctx, "\x00"); ID(got) != "" {
		t.Fatal("invalid id must be ignored")
	}
	ctx = With(ctx, " nightly ")
	if got := ID(ctx); got != "nightly" {
		t.Fatalf("expected nightly, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || ID(ctx) != id {
		t.Fatalf("expected generated id on ctx, got %q / %q", id, ID(ctx))
	}
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
	same, again := Ensure(ctx)
	if again != id || same != ctx {
		t.Fatal("ensure must keep an existing id")
	}
}
