// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhub/pkg/hub"
)

// HealthcheckRouter sets up the healthcheck route.
func HealthcheckRouter(manager BackendManager) http.Handler {
	routes := &healthcheckRoutes{manager: manager}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	manager BackendManager
}

type healthResponse struct {
	Total    int `json:"total"`
	Ready    int `json:"ready"`
	Failed   int `json:"failed"`
	Disabled int `json:"disabled"`
	Loading  int `json:"loading"`
}

//	 getHealthcheck
//		@Summary		Health check
//		@Description	Check hub health. Healthy while any backend is ready or still loading.
//		@Tags			system
//		@Produce		json
//		@Success		204	{string}	string	"No Content"
//		@Failure		503	{object}	healthResponse
//		@Router			/health [get]
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, _ *http.Request) {
	var resp healthResponse
	for _, snap := range h.manager.ListBackends() {
		resp.Total++
		switch snap.Status {
		case hub.StatusReady:
			resp.Ready++
		case hub.StatusFailed:
			resp.Failed++
		case hub.StatusDisabled:
			resp.Disabled++
		case hub.StatusPending, hub.StatusStarting, hub.StatusRetrying:
			resp.Loading++
		}
	}

	// The hub is unhealthy only when backends exist and every one that could
	// serve has failed. An empty hub or one still loading is fine.
	if resp.Total > 0 && resp.Ready == 0 && resp.Loading == 0 && resp.Failed > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
