package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kbellamy/taskpilot/internal/auth"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/task"
)

// maxDLQLimit caps a single dead-letter page.
const maxDLQLimit = 500

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mapError translates domain errors onto HTTP statuses. Only validation
// and authorization failures are caller errors; everything else is a 500.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case task.IsValidation(err):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case task.IsAuthorization(err):
		writeError(w, http.StatusForbidden, "AUTHORIZATION_ERROR", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// Router builds the gateway's HTTP surface behind session authentication.
func Router(svc *Service, validator *auth.SessionValidator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(validator.Middleware)

	r.Post("/v1/tasks", func(w http.ResponseWriter, req *http.Request) {
		sessionID := auth.SessionFromContext(req.Context())
		var sr SubmitRequest
		if err := json.NewDecoder(req.Body).Decode(&sr); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
			return
		}
		resp, err := svc.Submit(req.Context(), sessionID, sr)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	})

	r.Get("/v1/tasks/{task_id}", func(w http.ResponseWriter, req *http.Request) {
		sessionID := auth.SessionFromContext(req.Context())
		view, err := svc.GetResult(req.Context(), chi.URLParam(req, "task_id"), sessionID)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	})

	r.Get("/v1/tasks", func(w http.ResponseWriter, req *http.Request) {
		sessionID := auth.SessionFromContext(req.Context())
		filter := task.Status(req.URL.Query().Get("status"))
		views, err := svc.ListTasks(req.Context(), sessionID, filter)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
	})

	r.Get("/v1/notifications", func(w http.ResponseWriter, req *http.Request) {
		sessionID := auth.SessionFromContext(req.Context())
		ns, err := svc.DrainNotifications(req.Context(), sessionID)
		if err != nil {
			mapError(w, err)
			return
		}
		if ns == nil {
			ns = []store.Notification{} // "notifications": [] instead of null
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": ns})
	})

	r.Post("/v1/sessions/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		sessionID := auth.SessionFromContext(req.Context())
		if err := svc.Heartbeat(req.Context(), sessionID); err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/v1/dlq", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxDLQLimit {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 500")
				return
			}
			limit = n
		}
		records, err := svc.ListDeadLetters(req.Context(), limit)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": records})
	})

	return r
}
