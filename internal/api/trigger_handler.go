package api

import (
	"net/http"
)

// ListTriggers возвращает триггеры и время их следующего запуска.
// GET /api/v1/triggers?enabled=...
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	result := []TriggerResponse{}
	if h.triggers == nil {
		List(w, result, 0)
		return
	}

	enabledStr := r.URL.Query().Get("enabled")
	triggers := h.triggers.Triggers()
	for i := range triggers {
		t := &triggers[i]
		if enabledStr != "" && t.Enabled != (enabledStr == "true") {
			continue
		}
		result = append(result, TriggerFromDomain(t))
	}

	List(w, result, len(result))
}
