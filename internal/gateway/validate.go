package gateway

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/kbellamy/taskpilot/internal/task"
)

// paramField is one constraint in a task type's params schema.
type paramField struct {
	path     string
	kind     string // "string", "number", "bool", "array", "object"
	required bool
}

// taskTypes is the closed set of capabilities the gateway accepts. Params
// stay opaque past this boundary; the checks here exist to reject malformed
// requests before they enter the pipeline.
var taskTypes = map[string][]paramField{
	"report.generate": {
		{path: "quarter", kind: "string", required: true},
		{path: "year", kind: "number", required: true},
		{path: "format", kind: "string"},
	},
	"data.analyze": {
		{path: "dataset", kind: "string", required: true},
		{path: "metrics", kind: "array"},
		{path: "group_by", kind: "string"},
	},
	"document.process": {
		{path: "document_url", kind: "string", required: true},
		{path: "operations", kind: "array"},
	},
}

// KnownTaskTypes lists the accepted task types, sorted.
func KnownTaskTypes() []string {
	out := make([]string, 0, len(taskTypes))
	for k := range taskTypes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// validateParams checks a submission's params against the task type's
// schema. Returns a task.ValidationError on the first violation.
func validateParams(taskType string, params []byte) error {
	fields, ok := taskTypes[taskType]
	if !ok {
		return &task.ValidationError{
			Field:   "task_type",
			Message: fmt.Sprintf("unrecognized task type %q", taskType),
		}
	}
	if len(params) == 0 || !gjson.ValidBytes(params) {
		return &task.ValidationError{Field: "params", Message: "params must be a JSON object"}
	}
	root := gjson.ParseBytes(params)
	if !root.IsObject() {
		return &task.ValidationError{Field: "params", Message: "params must be a JSON object"}
	}
	for _, f := range fields {
		v := root.Get(f.path)
		if !v.Exists() {
			if f.required {
				return &task.ValidationError{
					Field:   "params." + f.path,
					Message: "required field is missing",
				}
			}
			continue
		}
		if !kindMatches(v, f.kind) {
			return &task.ValidationError{
				Field:   "params." + f.path,
				Message: fmt.Sprintf("expected %s", f.kind),
			}
		}
	}
	return nil
}

func kindMatches(v gjson.Result, kind string) bool {
	switch kind {
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "bool":
		return v.Type == gjson.True || v.Type == gjson.False
	case "array":
		return v.IsArray()
	case "object":
		return v.IsObject()
	}
	return false
}
