package session

import "testing"

func TestDelta(t *testing.T) {
	tests := []struct {
		prev, next, want string
	}{
		{"", "hej", "hej"},
		{"hej", "hej där", " där"},
		{"hej", "nej", "nej"},
		{"hej", "hej", ""},
		{"", "", ""},
		{"hej där", "hej", "hej"},
		{"hej", "", ""},
	}
	for _, tc := range tests {
		if got := Delta(tc.prev, tc.next); got != tc.want {
			t.Errorf("Delta(%q, %q) = %q, want %q", tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestTranscriptTracker(t *testing.T) {
	var tr transcriptTracker
	var got []string
	for _, text := range []string{"hej", "hej där", "hej där", "nej"} {
		if d := tr.update(text); d != "" {
			got = append(got, d)
		}
	}
	want := []string{"hej", " där", "nej"}
	if len(got) != len(want) {
		t.Fatalf("deltas = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delta[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	tr.reset()
	if d := tr.update("nej"); d != "nej" {
		t.Errorf("after reset delta = %q, want %q", d, "nej")
	}
}
