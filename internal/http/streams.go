package httpx

import (
	"net/http"
	"strconv"

	"github.com/habitio/habit-cortex-orchestrator/internal/events"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/logs"
	"github.com/habitio/habit-cortex-orchestrator/internal/ws"
)

func (r *Router) handleProductLogs(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	ch, err := logs.ParseChannel(req.PathValue("channel"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	tail, ok := queryInt(req, "tail", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tail")
		return
	}
	p, err := r.products.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	result, err := r.logs.Fetch(req.Context(), *p, ch, tail)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":   p.ID,
		"product_name": p.Name,
		"service_id":   p.ServiceID,
		"log_type":     string(ch),
		"logs":         result.Lines,
		"lines":        result.Tail,
	})
}

// handleProductLogStream follows a product's logs as Server-Sent Events.
// The channel comes from the path or the channel query parameter.
func (r *Router) handleProductLogStream(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	name := req.PathValue("channel")
	if name == "" {
		name = req.URL.Query().Get("channel")
	}
	ch, err := logs.ParseChannel(name)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	tail, ok := queryInt(req, "tail", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tail")
		return
	}
	p, err := r.products.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if !p.HasService() {
		writeError(w, http.StatusBadRequest, "Product '"+p.Name+"' is not deployed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	if err := r.logs.Stream(req.Context(), *p, ch, tail, client); err != nil {
		_ = client.SendEvent("error", []byte(err.Error()))
	}
}

// handleActivityWS pushes live activity entries. A product_id query narrows
// the feed to one product.
func (r *Router) handleActivityWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed unavailable")
		return
	}
	topic := events.TopicActivity
	if raw := req.URL.Query().Get("product_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid product_id")
			return
		}
		topic = events.ProductTopic(id)
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		client.Wait()
	}()
}
