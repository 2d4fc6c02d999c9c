package task

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to timeout", StatusPending, StatusTimeout, true},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to timeout", StatusProcessing, StatusTimeout, true},
		{"processing back to pending", StatusProcessing, StatusPending, false},
		{"processing to processing", StatusProcessing, StatusProcessing, false},
		{"completed accepts nothing", StatusCompleted, StatusFailed, false},
		{"failed accepts nothing", StatusFailed, StatusCompleted, false},
		{"timeout accepts nothing", StatusTimeout, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusPending.Valid() {
		t.Error("PENDING should be valid")
	}
	if Status("RUNNING").Valid() {
		t.Error("unknown status should not be valid")
	}
	if Status("").Valid() {
		t.Error("empty status should not be valid")
	}
}

func TestOverdue(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		status  Status
		now     time.Time
		overdue bool
	}{
		{"within timeout", StatusProcessing, created.Add(200 * time.Second), false},
		{"exactly at deadline", StatusProcessing, created.Add(300 * time.Second), false},
		{"past deadline", StatusProcessing, created.Add(301 * time.Second), true},
		{"pending past deadline", StatusPending, created.Add(400 * time.Second), true},
		{"terminal never overdue", StatusCompleted, created.Add(400 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &Task{
				ID:             NewID(),
				Status:         tt.status,
				TimeoutSeconds: 300,
				CreatedAt:      created,
			}
			if got := tk.Overdue(tt.now); got != tt.overdue {
				t.Errorf("Overdue() = %v, want %v", got, tt.overdue)
			}
		})
	}
}

func TestViewOf(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := created.Add(90 * time.Second)
	completed := created.Add(45 * time.Second)

	t.Run("processing exposes elapsed only", func(t *testing.T) {
		v := ViewOf(&Task{
			ID:        "t1",
			Status:    StatusProcessing,
			Result:    json.RawMessage(`{"partial":true}`),
			CreatedAt: created,
		}, now)
		if v.ElapsedMS != 90_000 {
			t.Errorf("ElapsedMS = %d, want 90000", v.ElapsedMS)
		}
		if v.Result != nil {
			t.Error("non-terminal view must not expose a result")
		}
	})

	t.Run("completed exposes result", func(t *testing.T) {
		v := ViewOf(&Task{
			ID:          "t2",
			Status:      StatusCompleted,
			Result:      json.RawMessage(`{"rows":10}`),
			CreatedAt:   created,
			CompletedAt: &completed,
		}, now)
		if string(v.Result) != `{"rows":10}` {
			t.Errorf("Result = %s", v.Result)
		}
		if v.CompletedAt == nil || !v.CompletedAt.Equal(completed) {
			t.Error("CompletedAt not carried through")
		}
		if v.ElapsedMS != 0 {
			t.Errorf("completed view should not report elapsed, got %d", v.ElapsedMS)
		}
	})

	t.Run("failed exposes error", func(t *testing.T) {
		v := ViewOf(&Task{
			ID:          "t3",
			Status:      StatusFailed,
			Error:       &ErrorDetail{Code: "BOOM", Message: "it broke"},
			CreatedAt:   created,
			CompletedAt: &completed,
		}, now)
		if v.Error == nil || v.Error.Code != "BOOM" {
			t.Errorf("Error = %+v", v.Error)
		}
		if v.Result != nil {
			t.Error("failed view must not expose a result")
		}
	})

	t.Run("timeout exposes elapsed and threshold", func(t *testing.T) {
		v := ViewOf(&Task{
			ID:             "t4",
			Status:         StatusTimeout,
			TimeoutSeconds: 30,
			CreatedAt:      created,
			CompletedAt:    &completed,
		}, now)
		if v.TimeoutSeconds != 30 {
			t.Errorf("TimeoutSeconds = %d, want 30", v.TimeoutSeconds)
		}
		if v.ElapsedMS != 45_000 {
			t.Errorf("ElapsedMS = %d, want 45000", v.ElapsedMS)
		}
	})
}
