package logging

import "testing"

func TestRedactValueScrubsNamedFields(t *testing.T) {
	cases := []struct {
		key  string
		in   any
		want any
	}{
		{"transcript", "chest pain", redactSentinel},
		{"email", "a@b.com", redactSentinel},
		{"user_id", "abc-123", "abc-123"},
	}

	for _, tc := range cases {
		got := redactValue(tc.key, tc.in)
		if got != tc.want {
			t.Errorf("redactValue(%q, %v) = %v, want %v", tc.key, tc.in, got, tc.want)
		}
	}
}

func TestRedactMapRecurses(t *testing.T) {
	in := map[string]any{
		"narrative": "patient reports dizziness",
		"nested": map[string]any{
			"phone": "555-1234",
			"kind":  "callback",
		},
	}

	out := redactMap(in)

	if out["narrative"] != redactSentinel {
		t.Errorf("narrative = %v, want sentinel", out["narrative"])
	}

	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested field not a map: %T", out["nested"])
	}
	if nested["phone"] != redactSentinel {
		t.Errorf("nested phone = %v, want sentinel", nested["phone"])
	}
	if nested["kind"] != "callback" {
		t.Errorf("nested kind = %v, want unchanged", nested["kind"])
	}
}
