package delivery

import "testing"

func TestParseCustomHeaders(t *testing.T) {
	raw := "X-Campaign: spring\r\nno colon here\n: empty name\nX-Url: https://example.com/a:b\n  X-Spaced  :  padded  \n"
	got := ParseCustomHeaders(raw)

	want := map[string]string{
		"X-Campaign": "spring",
		"X-Url":      "https://example.com/a:b",
		"X-Spaced":   "padded",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d headers, got %d: %v", len(want), len(got), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("header %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestParseCustomHeaders_Empty(t *testing.T) {
	if got := ParseCustomHeaders(""); len(got) != 0 {
		t.Fatalf("expected no headers, got %v", got)
	}
}
