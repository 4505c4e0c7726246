package stt

import "time"

// Transcript is a single recognition hypothesis.
type Transcript struct {
	// Text is the full hypothesis for the current utterance, not a delta.
	Text string

	IsFinal    bool
	Confidence float64
	Words      []WordDetail
}

// WordDetail carries per-word timing.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
