package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/habitio/habit-cortex-orchestrator/internal/events"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func (r *Router) handleListActivity(w http.ResponseWriter, req *http.Request) {
	limit, ok := listLimit(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter := repository.ActivityFilter{Limit: limit}
	if raw := strings.TrimSpace(req.URL.Query().Get("product_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid product_id")
			return
		}
		filter.ProductID = &id
	}
	entries, err := r.events.ListActivity(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, events.ActivityView(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleListAudit(w http.ResponseWriter, req *http.Request) {
	limit, ok := listLimit(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	query := req.URL.Query()
	filter := repository.AuditFilter{
		ResourceType: strings.TrimSpace(query.Get("resource_type")),
		Action:       strings.TrimSpace(query.Get("action")),
		Limit:        limit,
	}
	if raw := strings.TrimSpace(query.Get("resource_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resource_id")
			return
		}
		filter.ResourceID = &id
	}
	entries, err := r.events.ListAudit(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, events.AuditView(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func listLimit(req *http.Request) (int, bool) {
	limit, ok := queryInt(req, "limit", defaultListLimit)
	if !ok || limit <= 0 {
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
