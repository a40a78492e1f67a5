package main

import (
	"strings"
	"testing"

	"github.com/delano/familia-sub006/internal/version"
)

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
	isolate(t)
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandShortAndSemver(t *testing.T) {
	isolate(t)
	stdout, _, err := executeRootCommand(t, "version", "--short")
	if err != nil || stdout != version.Current()+"\n" {
		t.Fatalf("--short: %q %v", stdout, err)
	}
	stdout, _, err = executeRootCommand(t, "version", "--semver")
	if err != nil || stdout != version.Semver()+"\n" {
		t.Fatalf("--semver: %q %v", stdout, err)
	}
	_, _, err = executeRootCommand(t, "version", "--short", "--semver")
	if err == nil || !strings.Contains(err.Error(), "none of the others can be") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}
