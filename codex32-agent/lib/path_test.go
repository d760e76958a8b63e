package agent

import "testing"

func TestSafeJoinRejectsTraversal(t *testing.T) {
	if _, err := SafeJoin("/tmp/bots", "../../etc/passwd"); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestSafeJoinAllowsWithinBase(t *testing.T) {
	p, err := SafeJoin("/tmp/bots", "sample_bot.py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == "" {
		t.Fatal("expected a resolved path")
	}
}
