package gateway

import (
	"testing"

	"github.com/kbellamy/taskpilot/internal/task"
)

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name     string
		taskType string
		params   string
		wantErr  bool
		field    string
	}{
		{
			name:     "valid report",
			taskType: "report.generate",
			params:   `{"quarter":"Q3","year":2026,"format":"pdf"}`,
		},
		{
			name:     "optional field omitted",
			taskType: "report.generate",
			params:   `{"quarter":"Q3","year":2026}`,
		},
		{
			name:     "missing required field",
			taskType: "report.generate",
			params:   `{"quarter":"Q3"}`,
			wantErr:  true,
			field:    "params.year",
		},
		{
			name:     "wrong type for field",
			taskType: "report.generate",
			params:   `{"quarter":"Q3","year":"2026"}`,
			wantErr:  true,
			field:    "params.year",
		},
		{
			name:     "unknown task type",
			taskType: "video.transcode",
			params:   `{}`,
			wantErr:  true,
			field:    "task_type",
		},
		{
			name:     "params not an object",
			taskType: "data.analyze",
			params:   `["dataset"]`,
			wantErr:  true,
			field:    "params",
		},
		{
			name:     "params not json",
			taskType: "data.analyze",
			params:   `{broken`,
			wantErr:  true,
			field:    "params",
		},
		{
			name:     "valid analyze with array",
			taskType: "data.analyze",
			params:   `{"dataset":"sales","metrics":["sum","avg"]}`,
		},
		{
			name:     "analyze metrics wrong kind",
			taskType: "data.analyze",
			params:   `{"dataset":"sales","metrics":"sum"}`,
			wantErr:  true,
			field:    "params.metrics",
		},
		{
			name:     "valid document",
			taskType: "document.process",
			params:   `{"document_url":"https://example.com/a.pdf","operations":["ocr"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateParams(tt.taskType, []byte(tt.params))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			ve, ok := err.(*task.ValidationError)
			if !ok {
				t.Fatalf("expected ValidationError, got %T (%v)", err, err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestKnownTaskTypes(t *testing.T) {
	types := KnownTaskTypes()
	if len(types) != 3 {
		t.Fatalf("got %d types", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Errorf("types not sorted: %v", types)
		}
	}
}
