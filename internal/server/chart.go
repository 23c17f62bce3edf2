package server

import (
	"net/http"
)

type chartRequest struct {
	Query           string               `json:"query"`
	LastRAGResponse string               `json:"last_rag_response"`
	Messages        []chatMessagePayload `json:"messages,omitempty"`
}

// handleChart returns chart data for the query over the last retrieved
// answer. Failures surface in the payload's error/hint envelope, not as
// HTTP errors, except for rate limiting.
func (s *server) handleChart(w http.ResponseWriter, r *http.Request) {
	var req chartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	query := req.Query
	if query == "" && len(req.Messages) > 0 {
		query = req.Messages[len(req.Messages)-1].Content
	}

	payload, err := s.deps.Chart.Generate(r.Context(), query, req.LastRAGResponse)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.record("chart_generated", map[string]int{"payload_bytes": len(payload)})

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
