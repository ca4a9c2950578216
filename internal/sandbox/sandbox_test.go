package sandbox

import (
	"encoding/json"
	"testing"
)

func TestBuildSpecMaterializesBeforeFork(t *testing.T) {
	work := t.TempDir()
	b := New().
		AllowReadPath(work).
		AllowWritePath("/definitely/not/a/real/path").
		AllowTCPPort(443)
	spec := b.buildSpec(work, "echo hi")

	if spec.Command != "echo hi" {
		t.Errorf("Command = %q", spec.Command)
	}
	for _, p := range spec.WritePaths {
		if p == "/definitely/not/a/real/path" {
			t.Errorf("nonexistent path survived into the ruleset")
		}
	}
	var sawWork bool
	for _, p := range spec.WritePaths {
		if p == work {
			sawWork = true
		}
	}
	if !sawWork {
		t.Errorf("working dir missing from write paths: %v", spec.WritePaths)
	}
	if len(spec.TCPPorts) != 1 || spec.TCPPorts[0] != 443 {
		t.Errorf("TCPPorts = %v", spec.TCPPorts)
	}
}

func TestBuildSpecDeduplicates(t *testing.T) {
	work := t.TempDir()
	spec := New().AllowReadPath("/tmp").AllowReadPath("/tmp").buildSpec(work, "true")
	var tmpCount int
	for _, p := range spec.ReadPaths {
		if p == "/tmp" {
			tmpCount++
		}
	}
	if tmpCount > 1 {
		t.Errorf("expected /tmp deduplicated, got %v", spec.ReadPaths)
	}
}

func TestSpecSurvivesSerialization(t *testing.T) {
	spec := New().AllowTCPPort(80).buildSpec(t.TempDir(), "wget example.com")
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Spec
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Command != spec.Command || len(back.TCPPorts) != 1 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestReexecRulesPending(t *testing.T) {
	if ReexecRulesPending() {
		t.Fatalf("no pending rules expected in a clean environment")
	}
	t.Setenv(reexecEnvVar, `{"command":"true"}`)
	if !ReexecRulesPending() {
		t.Fatalf("expected pending rules after env var set")
	}
}

func TestRunUnrestricted(t *testing.T) {
	if err := RunUnrestricted(t.TempDir(), "true"); err != nil {
		t.Fatalf("RunUnrestricted: %v", err)
	}
	if err := RunUnrestricted(t.TempDir(), "exit 3"); err == nil {
		t.Fatalf("expected nonzero exit to propagate")
	}
}
