package agent

import "testing"

func TestParseMemoryLimitMB(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"512Mi", 512},
		{"1Gi", 1024},
		{"1024", 1024},
		{"", 512},
		{"abc", 512},
	}

	for _, tc := range cases {
		got := ParseMemoryLimitMB(tc.in)
		if got != tc.want {
			t.Errorf("ParseMemoryLimitMB(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseIsolationLevel(t *testing.T) {
	cases := map[string]IsolationLevel{
		"minimal":  IsolationMinimal,
		"STRICT":   IsolationStrict,
		"standard": IsolationStandard,
		"bogus":    IsolationStandard,
		"":         IsolationStandard,
	}
	for in, want := range cases {
		if got := ParseIsolationLevel(in); got != want {
			t.Errorf("ParseIsolationLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValidID(t *testing.T) {
	if !ValidID("bot-1_ok") {
		t.Error("expected valid id to pass")
	}
	if ValidID("") {
		t.Error("expected empty id to fail")
	}
	if ValidID("has a space") {
		t.Error("expected id with space to fail")
	}
}
