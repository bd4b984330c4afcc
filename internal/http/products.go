package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/service/product"
)

// productView renders a product with the reserved shared key removed.
func productView(p domain.Product) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"slug":        p.Slug,
		"port":        p.Port,
		"replicas":    p.Replicas,
		"status":      string(p.Status),
		"env_vars":    p.PublicEnv(),
		"image_id":    p.ImageID,
		"image_name":  p.ImageName,
		"service_id":  p.ServiceID,
		"deployed_at": p.DeployedAt,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	}
}

func (r *Router) handleListProducts(w http.ResponseWriter, req *http.Request) {
	products, err := r.products.List(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]map[string]any, 0, len(products))
	for _, p := range products {
		out = append(out, productView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateProduct(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name     string            `json:"name"`
		Slug     string            `json:"slug"`
		Port     int               `json:"port"`
		Replicas int               `json:"replicas"`
		EnvVars  map[string]string `json:"env_vars"`
		ImageID  *int64            `json:"image_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := r.products.Create(req.Context(), product.CreateInput{
		Name:     payload.Name,
		Slug:     payload.Slug,
		Port:     payload.Port,
		Replicas: payload.Replicas,
		EnvVars:  payload.EnvVars,
		ImageID:  payload.ImageID,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, productView(*p))
}

func (r *Router) handleGetProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	p, err := r.products.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, productView(*p))
}

func (r *Router) handleUpdateProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	var payload struct {
		Name     *string           `json:"name"`
		Replicas *int              `json:"replicas"`
		EnvVars  map[string]string `json:"env_vars"`
		ImageID  *int64            `json:"image_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := r.products.Update(req.Context(), id, product.UpdateInput{
		Name:     payload.Name,
		Replicas: payload.Replicas,
		EnvVars:  payload.EnvVars,
		ImageID:  payload.ImageID,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, productView(*p))
}

func (r *Router) handleDeleteProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	if err := r.products.Delete(req.Context(), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleStartProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	p, err := r.products.Start(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, productView(*p))
}

func (r *Router) handleStopProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	p, err := r.products.Stop(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, productView(*p))
}

func (r *Router) handleScaleProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	var payload struct {
		Replicas *int `json:"replicas"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Replicas == nil {
		writeError(w, http.StatusBadRequest, "replicas is required")
		return
	}
	result, err := r.products.Scale(req.Context(), id, *payload.Replicas)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":   result.ProductID,
		"product_name": result.ProductName,
		"replicas":     result.Replicas,
		"status":       "scaling",
	})
}

func (r *Router) handleProductStatus(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	view, err := r.products.Status(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":   view.Product.ID,
		"product_name": view.Product.Name,
		"status":       string(view.Product.Status),
		"replicas":     view.Product.Replicas,
		"service_id":   view.Product.ServiceID,
		"cluster":      view.Cluster,
	})
}

func (r *Router) handleGenerateSharedKey(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	result, err := r.products.GenerateSharedKey(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":          result.ProductID,
		"product_name":        result.ProductName,
		"shared_key":          result.SharedKey,
		"previous_key_masked": result.PreviousKeyMasked,
		"message":             "Shared key generated successfully. Store this securely - it cannot be retrieved again.",
	})
}

func (r *Router) handleDuplicateProduct(w http.ResponseWriter, req *http.Request) {
	id, ok := r.productID(w, req)
	if !ok {
		return
	}
	var payload struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.products.Duplicate(req.Context(), id, product.DuplicateInput{
		Name: payload.Name,
		Slug: payload.Slug,
		Port: payload.Port,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	view := productView(result.Product)
	view["source_product_id"] = result.SourceID
	view["source_product_name"] = result.SourceName
	view["subscriptions_copied"] = result.SubscriptionsCopied
	writeJSON(w, http.StatusCreated, view)
}

func (r *Router) productID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, ok := pathID(req, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
	}
	return id, ok
}
