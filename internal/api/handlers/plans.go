// Package handlers implements the HTTP surface of the console: plan listing,
// entitlement checks, billing mutations and the payment gateway webhook.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"assistantconsole/internal/core"
	"assistantconsole/internal/types"
)

// PlanLister is the read side of the plan catalog.
type PlanLister interface {
	Plans() []types.PlanDefinition
}

// PlansHandler serves the compiled-in catalog.
type PlansHandler struct {
	catalog PlanLister
}

// NewPlansHandler creates a PlansHandler.
func NewPlansHandler(catalog PlanLister) *PlansHandler {
	return &PlansHandler{catalog: catalog}
}

// RegisterRoutes mounts GET /plans.
func (h *PlansHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.List)
}

// List handles GET /v1/plans.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	core.OK(w, r, h.catalog.Plans())
}
