package consumer

import (
	"testing"
	"time"
)

func TestGovernorDelay(t *testing.T) {
	gov := Governor{
		Base:        time.Second,
		Max:         5 * time.Minute,
		JitterPct:   0.2,
		MaxAttempts: 5,
	}

	tests := []struct {
		name    string
		attempt int
		base    time.Duration
	}{
		{"first attempt", 1, time.Second},
		{"second attempt doubles", 2, 2 * time.Second},
		{"fourth attempt", 4, 8 * time.Second},
		{"zero clamps to first", 0, time.Second},
		{"huge attempt caps at max", 50, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Jitter is +/-20%, so bound-check rather than compare exactly.
			lo := time.Duration(float64(tt.base) * (1 - gov.JitterPct - 0.001))
			hi := time.Duration(float64(tt.base) * (1 + gov.JitterPct + 0.001))
			for i := 0; i < 100; i++ {
				d := gov.Delay(tt.attempt)
				if d < lo || d > hi {
					t.Fatalf("Delay(%d) = %v, want within [%v, %v]", tt.attempt, d, lo, hi)
				}
			}
		})
	}
}

func TestGovernorDelayNeverExceedsMax(t *testing.T) {
	gov := Governor{Base: time.Second, Max: 10 * time.Second, JitterPct: 0, MaxAttempts: 5}
	for attempt := 1; attempt <= 20; attempt++ {
		if d := gov.Delay(attempt); d > 10*time.Second {
			t.Fatalf("Delay(%d) = %v exceeds max", attempt, d)
		}
	}
}

func TestGovernorExhausted(t *testing.T) {
	gov := Governor{MaxAttempts: 5}

	tests := []struct {
		attempts  int
		exhausted bool
	}{
		{1, false},
		{4, false},
		{5, true},
		{6, true},
	}
	for _, tt := range tests {
		if got := gov.Exhausted(tt.attempts); got != tt.exhausted {
			t.Errorf("Exhausted(%d) = %v, want %v", tt.attempts, got, tt.exhausted)
		}
	}
}
