package httpx

import (
	"net/http"
	"strconv"

	"github.com/habitio/habit-cortex-orchestrator/internal/service/gateway"
)

// verifyInstance checks the shared key header for the product in the path and
// writes the error response itself when the check fails.
func (r *Router) verifyInstance(w http.ResponseWriter, req *http.Request) (gateway.Verified, bool) {
	id, ok := pathID(req, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return gateway.Verified{}, false
	}
	verified, err := r.gateway.Verify(req.Context(), id, req.Header.Get(gateway.HeaderName))
	if err != nil {
		r.writeServiceError(w, req, err)
		return gateway.Verified{}, false
	}
	return verified, true
}

func (r *Router) handleInstanceSubscriptions(w http.ResponseWriter, req *http.Request) {
	verified, ok := r.verifyInstance(w, req)
	if !ok {
		return
	}
	set, err := r.gateway.Subscriptions(req.Context(), verified)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (r *Router) handleInstanceMQTTConfig(w http.ResponseWriter, req *http.Request) {
	verified, ok := r.verifyInstance(w, req)
	if !ok {
		return
	}
	cfg, err := r.gateway.LegacyMQTTConfig(req.Context(), verified)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (r *Router) handleInstanceWorkflows(w http.ResponseWriter, req *http.Request) {
	verified, ok := r.verifyInstance(w, req)
	if !ok {
		return
	}
	workflows, err := r.gateway.Workflows(req.Context(), verified)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (r *Router) handleInstanceRules(w http.ResponseWriter, req *http.Request) {
	verified, ok := r.verifyInstance(w, req)
	if !ok {
		return
	}
	ids, err := gateway.ParseIDs(req.URL.Query().Get("rule_ids"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	rules, err := r.gateway.RulesByIDs(req.Context(), verified, ids)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (r *Router) handleInstancePricingTemplates(w http.ResponseWriter, req *http.Request) {
	verified, ok := r.verifyInstance(w, req)
	if !ok {
		return
	}
	templates, err := r.gateway.PricingTemplates(req.Context(), verified, req.URL.Query().Get("strategy"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (r *Router) handleInstancePricingTemplate(w http.ResponseWriter, req *http.Request) {
	verified, ok := r.verifyInstance(w, req)
	if !ok {
		return
	}
	templateID, err := strconv.ParseInt(req.PathValue("tid"), 10, 64)
	if err != nil || templateID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	template, err := r.gateway.PricingTemplate(req.Context(), verified, templateID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, template)
}
