package session

import "strings"

// Delta returns the part of the cumulative transcript next that was not
// already covered by prev. When next does not extend prev the recognizer has
// revised its hypothesis and all of next is new.
func Delta(prev, next string) string {
	if next == prev {
		return ""
	}
	if after, ok := strings.CutPrefix(next, prev); ok {
		return after
	}
	return next
}

// transcriptTracker holds the last cumulative transcript seen in one
// direction during the current turn. It is owned by the receive pipeline.
type transcriptTracker struct {
	last string
}

// update records text and returns the delta to emit, or "" when there is
// nothing new.
func (t *transcriptTracker) update(text string) string {
	d := Delta(t.last, text)
	if d == "" {
		return ""
	}
	t.last = text
	return d
}

func (t *transcriptTracker) reset() { t.last = "" }
