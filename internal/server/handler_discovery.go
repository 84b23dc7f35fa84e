package server

import "net/http"

type endpointInfo struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{
		"name":    "Forge API",
		"version": "v1",
		"endpoints": []endpointInfo{
			{"/api/v1/health", "GET", "Server health"},
			{"/api/v1/changes", "GET", "List changes"},
			{"/api/v1/changes", "POST", "Record a change and deliver it to schedulers"},
			{"/api/v1/changes/{id}", "GET", "Get one change"},
			{"/api/v1/buildsets", "GET", "List buildsets"},
			{"/api/v1/buildsets/{id}", "GET", "Get one buildset with its sourcestamps"},
			{"/api/v1/buildsets/{id}/requests", "GET", "List a buildset's build requests"},
			{"/api/v1/schedulers", "GET", "List configured schedulers"},
			{"/api/v1/schedulers/{name}", "GET", "Get one scheduler"},
			{"/api/v1/schedulers/{name}/force", "POST", "Force a build of the latest sources"},
		},
	})
}
